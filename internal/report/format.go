package report

import (
	"fmt"
	"strings"
	"time"

	"dcabot/internal/domain"
)

// formatMoney renders an amount with a thousands separator and the given
// number of decimals.
func formatMoney(amount float64, decimals int) string {
	s := fmt.Sprintf("%.*f", decimals, amount)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign = "-"
		s = s[1:]
	}
	intPart, fracPart, hasFrac := strings.Cut(s, ".")
	var b strings.Builder
	for i, d := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	out := sign + b.String()
	if hasFrac {
		out += "." + fracPart
	}
	return out
}

// formatBTC renders a base-asset quantity with 8 decimal places.
func formatBTC(amount float64) string {
	return fmt.Sprintf("%.8f", amount)
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.2f%%", v)
}

// FormatTradeNotification renders the post-purchase message: trade details,
// portfolio summary, performance and remaining funding.
func FormatTradeNotification(rec *domain.TradeRecord, stats *Stats, currentPrice, freeUSD float64, daysLeft int, untilNext time.Duration) string {
	var pnl, pnlPct float64
	if stats.MeanPrice > 0 {
		pnl = (currentPrice - stats.MeanPrice) * stats.TotalQuantity
		pnlPct = (currentPrice/stats.MeanPrice - 1) * 100
	}
	endDate := time.Now().UTC().AddDate(0, 0, daysLeft)

	var portfolioLine string
	if stats.InitialQuantity > 0 {
		dcaQty := stats.TotalQuantity - stats.InitialQuantity
		portfolioLine = fmt.Sprintf("• DCA BTC: <code>%s</code> (+ initial %s)", formatBTC(dcaQty), formatBTC(stats.InitialQuantity))
	} else {
		portfolioLine = fmt.Sprintf("• Total BTC: <code>%s</code>", formatBTC(stats.TotalQuantity))
	}

	return fmt.Sprintf(`<b>🎉 New Bitcoin Purchase Completed!</b>

<b>Trade Details:</b>
• Amount: <code>$%s</code>
• BTC Received: <code>%s</code>
• Price: <code>$%s</code>

<b>Portfolio Summary:</b>
• Total Invested: <code>$%s</code>
%s
• Average Price: <code>$%s</code>
• Current Price: <code>$%s</code>
• Total Trades: <code>%d</code>

<b>Performance:</b>
• PnL: <code>$%s</code> (%s)

<b>Balance:</b>
• USDT Remaining: <code>$%s</code>
• Days Left: <code>%d</code>
• Estimated End Date: <code>%s</code>
• Next Purchase In: <code>%s</code>`,
		formatMoney(rec.NotionalUSD, 2),
		formatBTC(rec.Quantity),
		formatMoney(rec.Price, 2),
		formatMoney(stats.TotalSpentUSD, 2),
		portfolioLine,
		formatMoney(stats.MeanPrice, 2),
		formatMoney(currentPrice, 2),
		stats.NumTrades,
		formatMoney(pnl, 2),
		formatPercent(pnlPct),
		formatMoney(freeUSD, 2),
		daysLeft,
		endDate.Format("2006-01-02"),
		formatDuration(untilNext),
	)
}

// FormatStats renders the full portfolio statistics message for the start
// and stats commands.
func FormatStats(stats *Stats, currentPrice, freeUSD float64, daysLeft int, untilNext time.Duration) string {
	if stats.NumTrades == 0 && stats.InitialQuantity <= 0 {
		return "<b>No trades yet.</b> Start your DCA journey!"
	}

	var pnl, pnlPct float64
	if stats.MeanPrice > 0 {
		pnl = (currentPrice - stats.MeanPrice) * stats.TotalQuantity
		pnlPct = (currentPrice/stats.MeanPrice - 1) * 100
	}
	endDate := time.Now().UTC().AddDate(0, 0, daysLeft)

	var b strings.Builder
	fmt.Fprintf(&b, `<b>📊 Your Bitcoin Portfolio Statistics</b>

<b>Overall Summary:</b>
• Total Investment: <code>$%s</code>
• Total BTC: <code>%s</code>
• Average Price: <code>$%s</code>
• Current Price: <code>$%s</code>
• Current Value: <code>$%s</code>
• Total PnL: <code>$%s</code> (%s)
`,
		formatMoney(stats.TotalSpentUSD, 2),
		formatBTC(stats.TotalQuantity),
		formatMoney(stats.MeanPrice, 2),
		formatMoney(currentPrice, 2),
		formatMoney(stats.TotalQuantity*currentPrice, 2),
		formatMoney(pnl, 2),
		formatPercent(pnlPct),
	)

	if stats.InitialQuantity > 0 {
		initPnl := (currentPrice - stats.InitialAvgCost) * stats.InitialQuantity
		initPct := 0.0
		if stats.InitialAvgCost > 0 {
			initPct = (currentPrice/stats.InitialAvgCost - 1) * 100
		}
		fmt.Fprintf(&b, `
<b>Initial Portfolio:</b>
• BTC Amount: <code>%s</code>
• Average Price: <code>$%s</code>
• Initial Investment: <code>$%s</code>
• PnL: <code>$%s</code> (%s)
`,
			formatBTC(stats.InitialQuantity),
			formatMoney(stats.InitialAvgCost, 2),
			formatMoney(stats.InitialInvestment, 2),
			formatMoney(initPnl, 2),
			formatPercent(initPct),
		)
	}

	if stats.NumTrades > 0 {
		dcaQty := stats.TotalQuantity - stats.InitialQuantity
		dcaSpent := stats.TotalSpentUSD - stats.InitialInvestment
		var dcaAvg, dcaPnl, dcaPct float64
		if dcaQty > 0 {
			dcaAvg = dcaSpent / dcaQty
			dcaPnl = (currentPrice - dcaAvg) * dcaQty
			if dcaAvg > 0 {
				dcaPct = (currentPrice/dcaAvg - 1) * 100
			}
		}
		fmt.Fprintf(&b, `
<b>DCA Strategy:</b>
• Invested: <code>$%s</code>
• BTC Accumulated: <code>%s</code>
• Average Price: <code>$%s</code>
• PnL: <code>$%s</code> (%s)
`,
			formatMoney(dcaSpent, 2),
			formatBTC(dcaQty),
			formatMoney(dcaAvg, 2),
			formatMoney(dcaPnl, 2),
			formatPercent(dcaPct),
		)

		daysSinceStart := int(time.Since(stats.FirstTradeAt).Hours() / 24)
		weeks := float64(daysSinceStart) / 7
		if weeks < 1 {
			weeks = 1
		}
		fmt.Fprintf(&b, `
<b>Trading Activity:</b>
• First Trade: <code>%s</code>
• Latest Trade: <code>%s</code>
• Total Trades: <code>%d</code>
• Average Frequency: <code>%.1f</code> trades/week
`,
			stats.FirstTradeAt.Format("2006-01-02"),
			stats.LastTradeAt.Format("2006-01-02"),
			stats.NumTrades,
			float64(stats.NumTrades)/weeks,
		)
	}

	fmt.Fprintf(&b, `
<b>Balance:</b>
• USDT Remaining: <code>$%s</code>
• Days Left: <code>%d</code>
• Estimated End Date: <code>%s</code>
• Next Purchase In: <code>%s</code>`,
		formatMoney(freeUSD, 2),
		daysLeft,
		endDate.Format("2006-01-02"),
		formatDuration(untilNext),
	)
	return b.String()
}

// FormatBalance renders the balance command reply.
func FormatBalance(btcFree, usdtFree float64, daysLeft int, amountPerPeriod float64, period domain.Period) string {
	return fmt.Sprintf(`<b>💰 Account Balance</b>

• BTC: <code>%s</code>
• USDT: <code>$%s</code>
• Days Left: <code>%d</code> (at $%s/%s)`,
		formatBTC(btcFree),
		formatMoney(usdtFree, 2),
		daysLeft,
		formatMoney(amountPerPeriod, 2),
		period,
	)
}

// FormatReport renders the scheduled windowed report.
func FormatReport(s *domain.ReportSummary, lookbackHours int) string {
	return fmt.Sprintf(`<b>🗓 DCA Report (last %dh)</b>

<b>Window:</b> <code>%s</code> — <code>%s</code>
• Trades Executed: <code>%d</code>
• Failed Attempts: <code>%d</code>
• Total Spent: <code>$%s</code>
• BTC Acquired: <code>%s</code>
• Average Fill Price: <code>$%s</code>

<b>Portfolio:</b>
• Total BTC: <code>%s</code>
• Average Cost: <code>$%s</code>

<b>Balance:</b>
• USDT Remaining: <code>$%s</code>
• Days Left: <code>%d</code>`,
		lookbackHours,
		s.WindowStart.Format("2006-01-02 15:04"),
		s.WindowEnd.Format("2006-01-02 15:04"),
		s.TradeCount,
		s.FailedCount,
		formatMoney(s.TotalNotionalUSD, 2),
		formatBTC(s.TotalQuantity),
		formatMoney(s.AvgFillPrice, 2),
		formatBTC(s.Portfolio.QuantityHeld),
		formatMoney(s.Portfolio.AvgCost, 2),
		formatMoney(s.FreeUSD, 2),
		s.DaysOfFunding,
	)
}

// FormatInsufficientBalance renders the low-balance warning.
func FormatInsufficientBalance(balance, required float64) string {
	return fmt.Sprintf(`<b>⚠️ Insufficient Balance</b>

Your USDT balance is too low to execute DCA:
• Available: <code>$%s</code>
• Required: <code>$%s</code>

Please deposit more funds to continue your DCA strategy.`,
		formatMoney(balance, 2),
		formatMoney(required, 2),
	)
}

// FormatTradeFailure renders the failed-purchase alert.
func FormatTradeFailure(rec *domain.TradeRecord) string {
	return fmt.Sprintf(`<b>❌ DCA Purchase Failed</b>

• Scheduled Slot: <code>%s</code>
• Amount: <code>$%s</code>
• Reason: <code>%s</code>

The next purchase will proceed on its normal schedule.`,
		rec.ScheduledSlot.Format("2006-01-02 15:04"),
		formatMoney(rec.NotionalUSD, 2),
		rec.ErrorReason,
	)
}

// formatDuration renders a duration as "Nh Mm" the way the operator expects
// in notifications.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
