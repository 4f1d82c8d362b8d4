package printer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slok/sbxd/internal/printer"
)

func TestFormatBytes(t *testing.T) {
	tests := map[string]struct {
		bytes int64
		exp   string
	}{
		"Zero bytes.":             {bytes: 0, exp: "0 B"},
		"Negative bytes clamp.":   {bytes: -10, exp: "0 B"},
		"Kibibytes.":              {bytes: 1536, exp: "1.5 KiB"},
		"Mebibytes.":              {bytes: 512 * 1024 * 1024, exp: "512 MiB"},
		"Gibibytes.":              {bytes: 2 * 1024 * 1024 * 1024, exp: "2.0 GiB"},
		"Bytes below a kibibyte.": {bytes: 100, exp: "100 B"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, printer.FormatBytes(test.bytes))
		})
	}
}

func TestTimeAgo(t *testing.T) {
	tests := map[string]struct {
		ago time.Duration
		exp string
	}{
		"Seconds ago.": {ago: 30 * time.Second, exp: "30 seconds ago (UTC)"},
		"Minutes ago.": {ago: 45*time.Minute + 10*time.Second, exp: "45 minutes ago (UTC)"},
		"Hours ago.":   {ago: 5*time.Hour + 10*time.Minute, exp: "5 hours ago (UTC)"},
		"Days ago.":    {ago: 3*24*time.Hour + time.Hour, exp: "3 days ago (UTC)"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, printer.TimeAgo(time.Now().Add(-test.ago)))
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 30, 10, 4, 5, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2026-01-30 09:04:05 UTC", printer.FormatTimestamp(ts))
}
