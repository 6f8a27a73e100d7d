package log

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		env, level string
		want       zerolog.Level
	}{
		{"dev", "", zerolog.DebugLevel},
		{"prod", "", zerolog.InfoLevel},
		{"prod", "warn", zerolog.WarnLevel},
		{"dev", "error", zerolog.ErrorLevel},
		{"prod", "громко", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.env, tc.level); got != tc.want {
			t.Fatalf("env=%s level=%q: ожидали %s, получили %s", tc.env, tc.level, tc.want, got)
		}
	}
}
