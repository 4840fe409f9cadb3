package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractPrice(t *testing.T) {
	tests := []struct {
		name   string
		rec    OrderRecord
		want   float64
		wantOK bool
	}{
		{
			name:   "prefers average fill price",
			rec:    OrderRecord{AvgFillPrice: 101.5, TriggerPrice: 99, Price: 100},
			want:   101.5,
			wantOK: true,
		},
		{
			name:   "falls back to trigger price",
			rec:    OrderRecord{TriggerPrice: 99, PresetTakeProfit: 120},
			want:   99,
			wantOK: true,
		},
		{
			name:   "falls back to preset take-profit",
			rec:    OrderRecord{PresetTakeProfit: 120, PresetStopLoss: 80},
			want:   120,
			wantOK: true,
		},
		{
			name:   "falls back to preset stop-loss",
			rec:    OrderRecord{PresetStopLoss: 80, Price: 0},
			want:   80,
			wantOK: true,
		},
		{
			name:   "falls back to order price",
			rec:    OrderRecord{Price: 100},
			want:   100,
			wantOK: true,
		},
		{
			name:   "no price populated",
			rec:    OrderRecord{},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractPrice(tt.rec)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestSideInvert(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Invert())
	assert.Equal(t, SideBuy, SideSell.Invert())
}
