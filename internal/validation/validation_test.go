package validation

import (
	"errors"
	"testing"
)

// TestValidateCity covers accept and reject cases for city keys.
func TestValidateCity(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		minLen  int
		maxLen  int
		want    string
		wantErr error
	}{
		{name: "simple", input: "Berlin", minLen: 1, maxLen: 100, want: "Berlin"},
		{name: "trimmed", input: "  Riga  ", minLen: 1, maxLen: 100, want: "Riga"},
		{name: "unicode", input: "Zürich", minLen: 1, maxLen: 100, want: "Zürich"},
		{name: "compound", input: "Rio de Janeiro", minLen: 1, maxLen: 100, want: "Rio de Janeiro"},
		{name: "apostrophe", input: "L'Aquila", minLen: 1, maxLen: 100, want: "L'Aquila"},
		{name: "empty", input: "", minLen: 1, maxLen: 100, wantErr: ErrCityEmpty},
		{name: "whitespace only", input: "   ", minLen: 1, maxLen: 100, wantErr: ErrCityEmpty},
		{name: "too short", input: "ab", minLen: 3, maxLen: 100, wantErr: ErrCityTooShort},
		{name: "too long", input: "abcdef", minLen: 1, maxLen: 5, wantErr: ErrCityTooLong},
		{name: "invalid chars", input: "Berlin<script>", minLen: 1, maxLen: 100, wantErr: ErrCityInvalidChars},
		{name: "newline", input: "Ber\nlin", minLen: 1, maxLen: 100, wantErr: ErrCityInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateCity(tt.input, tt.minLen, tt.maxLen)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ValidateCity(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateCity(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ValidateCity(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
