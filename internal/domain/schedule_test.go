package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		input   string
		want    TimeOfDay
		wantErr bool
	}{
		{input: "09:00", want: TimeOfDay{Hour: 9, Minute: 0}},
		{input: "00:00", want: TimeOfDay{Hour: 0, Minute: 0}},
		{input: "23:59", want: TimeOfDay{Hour: 23, Minute: 59}},
		{input: "09:00x", wantErr: true},
		{input: "0900", wantErr: true},
		{input: "09:60", wantErr: true},
		{input: "24:00", wantErr: true},
		{input: "-1:30", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTimeOfDayOn(t *testing.T) {
	tod := TimeOfDay{Hour: 21, Minute: 30}
	ref := time.Date(2024, 3, 10, 8, 15, 42, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 10, 21, 30, 0, 0, time.UTC), tod.On(ref))
}
