package flmon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTimestampISO(t *testing.T) {
	ts := parseTimestamp("2025-01-01T00:00:00Z")
	assert.Equal(t, 2025, ts.Year())
}

func TestParseTimestampUnixSeconds(t *testing.T) {
	ts := parseTimestamp("1735689600")
	assert.WithinDuration(t, time.Unix(1735689600, 0).UTC(), ts, time.Second)
}

func TestParseTimestampFallsBackToNow(t *testing.T) {
	ts := parseTimestamp("not-a-timestamp")
	assert.WithinDuration(t, time.Now().UTC(), ts, 2*time.Second)
}
