package bookingnumber

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormat(t *testing.T) {
	g := NewGenerator("evt-", nil)

	assert.Equal(t, "EVT-20251201-0001", g.Format("20251201", 1))
	assert.Equal(t, "EVT-20251201-0420", g.Format("20251201", 420))
	assert.Equal(t, "EVT-20251201-12345", g.Format("20251201", 12345))
	assert.Equal(t, "EVT-20251201-", g.DayPrefix("20251201"))
}

func TestTodayUsesLocation(t *testing.T) {
	nairobi := time.FixedZone("EAT", 3*60*60)
	// 22:30 UTC on Nov 30 is already Dec 1 in Nairobi
	clock := func() time.Time { return time.Date(2025, 11, 30, 22, 30, 0, 0, time.UTC) }

	g := NewGenerator("EVT", nairobi).WithClock(clock)
	assert.Equal(t, "20251201", g.Today())

	utc := NewGenerator("EVT", nil).WithClock(clock)
	assert.Equal(t, "20251130", utc.Today())
}

func TestFormatMatchesPattern(t *testing.T) {
	g := NewGenerator("EVT", nil)
	pattern := regexp.MustCompile(`^EVT-\d{8}-\d{4,}$`)
	assert.Regexp(t, pattern, g.Format(g.Today(), 7))
}
