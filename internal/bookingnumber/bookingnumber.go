// Package bookingnumber formats booking identifiers of the form
// PREFIX-YYYYMMDD-NNNN, where NNNN is a per-day sequence.
package bookingnumber

import (
	"fmt"
	"strings"
	"time"
)

const dayLayout = "20060102"

// Generator derives booking numbers for a calendar day in a fixed location.
// Uniqueness is not its job: callers insert under a unique constraint and
// ask for the next number again on conflict.
type Generator struct {
	prefix string
	loc    *time.Location
	now    func() time.Time
}

// NewGenerator creates a generator. A nil location means UTC.
func NewGenerator(prefix string, loc *time.Location) *Generator {
	if loc == nil {
		loc = time.UTC
	}
	return &Generator{
		prefix: strings.ToUpper(strings.Trim(prefix, "- ")),
		loc:    loc,
		now:    time.Now,
	}
}

// WithClock replaces the time source, mainly for tests
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Prefix returns the normalized prefix
func (g *Generator) Prefix() string {
	return g.prefix
}

// Today returns the current day stamp in the generator's location
func (g *Generator) Today() string {
	return g.now().In(g.loc).Format(dayLayout)
}

// DayPrefix is the common leading part of every number issued on day,
// e.g. "EVT-20251201-".
func (g *Generator) DayPrefix(day string) string {
	return g.prefix + "-" + day + "-"
}

// Format renders a number for day and seq
func (g *Generator) Format(day string, seq int) string {
	return fmt.Sprintf("%s%04d", g.DayPrefix(day), seq)
}
