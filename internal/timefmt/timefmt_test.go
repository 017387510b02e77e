package timefmt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/timefmt"
)

func TestFormat_UTC(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 30, 45, 123000000, time.UTC)
	assert.Equal(t, "2025-06-15T10:30:45.123Z", timefmt.Format(ts))
}

func TestFormat_NonUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	ts := time.Date(2025, 6, 15, 19, 30, 45, 456000000, loc)
	assert.Equal(t, "2025-06-15T10:30:45.456Z", timefmt.Format(ts))
}

func TestParse_RoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 30, 45, 123000000, time.UTC)
	parsed, err := timefmt.Parse(timefmt.Format(ts))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))
}

func TestParse_Invalid(t *testing.T) {
	_, err := timefmt.Parse("not a timestamp")
	assert.Error(t, err)
}
