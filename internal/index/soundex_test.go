package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSoundex_ClassicCodes(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"robert", "R163"},
		{"rupert", "R163"},
		{"smith", "S530"},
		{"smyth", "S530"},
		{"ashcraft", "A261"},
		{"tymczak", "T522"},
		{"pfister", "P236"},
		{"jon", "J500"},
		{"john", "J500"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, soundex(tt.in), tt.in)
	}
}

func TestSoundex_NonAlphaFallsBack(t *testing.T) {
	assert.Equal(t, "42nd", soundex("42nd"))
	assert.Equal(t, "", soundex(""))
}
