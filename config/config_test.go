package config

import "testing"

func TestValidate(t *testing.T) {
	validKEK := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

	tests := []struct {
		name    string
		cfg     AppConfig
		wantErr bool
	}{
		{"valid", AppConfig{KEKHex: validKEK, RedundancyFactor: 3}, false},
		{"short kek", AppConfig{KEKHex: "abc", RedundancyFactor: 3}, true},
		{"empty kek", AppConfig{RedundancyFactor: 3}, true},
		{"redundancy too low", AppConfig{KEKHex: validKEK, RedundancyFactor: 1}, true},
		{"redundancy too high", AppConfig{KEKHex: validKEK, RedundancyFactor: 6}, true},
		{"redundancy at lower bound", AppConfig{KEKHex: validKEK, RedundancyFactor: 2}, false},
		{"redundancy at upper bound", AppConfig{KEKHex: validKEK, RedundancyFactor: 5}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
