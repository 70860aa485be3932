package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOrigins(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"empty defaults to wildcard", "", []string{"*"}},
		{"explicit wildcard", "*", []string{"*"}},
		{"single origin", "https://ui.jobforge.dev", []string{"https://ui.jobforge.dev"}},
		{"list with spaces", "https://a.example, https://b.example", []string{"https://a.example", "https://b.example"}},
		{"blank entries dropped", "https://a.example,,  ,https://b.example", []string{"https://a.example", "https://b.example"}},
		{"only separators falls back", "  ,  ", []string{"*"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseOrigins(tc.in))
		})
	}
}
