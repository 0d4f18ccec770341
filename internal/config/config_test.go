package config

import "testing"

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		w       WeightsConfig
		wantErr bool
	}{
		{
			name: "defaults",
			w:    WeightsConfig{Idle: 0.5, Recency: 0.3, TripEquity: 0.15, Rating: 0.05},
		},
		{
			name:    "sum too low",
			w:       WeightsConfig{Idle: 0.5, Recency: 0.3},
			wantErr: true,
		},
		{
			name:    "negative term",
			w:       WeightsConfig{Idle: 1.2, Recency: -0.2, TripEquity: 0.0, Rating: 0.0},
			wantErr: true,
		},
		{
			name: "within tolerance",
			w:    WeightsConfig{Idle: 0.5, Recency: 0.3, TripEquity: 0.15, Rating: 0.055},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.w.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Matching.TickSeconds <= 0 {
		t.Errorf("expected positive tick, got %d", cfg.Matching.TickSeconds)
	}
	if cfg.Station.AcceptRadiusMeters <= 0 {
		t.Errorf("expected positive station radius, got %f", cfg.Station.AcceptRadiusMeters)
	}
}
