package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProrationCredit(t *testing.T) {
	start := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	cases := []struct {
		name   string
		amount int64
		at     time.Time
		want   int64
	}{
		{"half the period left", 2500, start.AddDate(0, 0, 15), 1250},
		{"one hour in rounds down to 29 days", 2500, start.Add(time.Hour), 2416},
		{"at period end", 2500, end, 0},
		{"after period end", 2500, end.AddDate(0, 0, 5), 0},
		{"before period start clamps to full amount", 2500, start.AddDate(0, 0, -3), 2500},
		{"last partial day earns nothing", 2500, end.Add(-6 * time.Hour), 0},
		{"zero amount", 0, start.AddDate(0, 0, 15), 0},
		{"negative amount", -100, start.AddDate(0, 0, 15), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, prorationCredit(tc.amount, start, end, tc.at))
		})
	}
}

func TestProrationCredit_DegeneratePeriods(t *testing.T) {
	at := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)

	// an empty period and a sub-day period both earn nothing
	assert.Zero(t, prorationCredit(2500, at, at, at))
	assert.Zero(t, prorationCredit(2500, at, at.Add(6*time.Hour), at))
}
