package estimator

import (
	"errors"
	"testing"
)

func TestConstantProduct_Estimate(t *testing.T) {
	tests := []struct {
		name    string
		state   CurveState
		want    float64
		wantErr error
	}{
		{
			name:  "typical reserves",
			state: CurveState{VirtualSolReserves: 30, VirtualTokenReserves: 1_000_000},
			want:  0.00003,
		},
		{
			name:    "zero token reserves",
			state:   CurveState{VirtualSolReserves: 30},
			wantErr: ErrNoLiquidity,
		},
		{
			name:    "zero sol reserves",
			state:   CurveState{VirtualTokenReserves: 1_000_000},
			wantErr: ErrNoLiquidity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := ConstantProduct{}.Estimate(tt.state)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err == nil && q.Price != tt.want {
				t.Errorf("Price = %v, want %v", q.Price, tt.want)
			}
		})
	}
}
