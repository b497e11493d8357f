package degradation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestAggregateSortsAndFlags(t *testing.T) {
	agg := NewAggregator(zaptest.NewLogger(t))
	s := agg.Aggregate("case-1", []Outcome{
		{Category: "sfpd_incidents", Success: false, Kind: "timeout"},
		{Category: "complaints_311", Success: true, Signals: 4},
		{Category: "evictions", Success: true, Stale: true},
		{Category: "permits", Success: true},
	})

	assert.Equal(t, "complaints_311", s.Outcomes[0].Category)
	assert.Equal(t, 3, s.SuccessCount)
	assert.Equal(t, 1, s.FailureCount)
	assert.Equal(t, []string{"sfpd_incidents"}, s.Degraded)
	assert.Equal(t, LevelMinor, s.Level)
	assert.Equal(t, []string{"sfpd_incidents data unavailable: source timed out"}, s.Limitations)
}

func TestAggregateAllHealthy(t *testing.T) {
	s := NewAggregator(nil).Aggregate("case-2", []Outcome{{Category: "permits", Success: true}})
	assert.Equal(t, LevelNone, s.Level)
	assert.Empty(t, s.Degraded)
	assert.Empty(t, s.Limitations)
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, LevelNone, LevelFor(0, 7))
	assert.Equal(t, LevelMinor, LevelFor(1, 7))
	assert.Equal(t, LevelModerate, LevelFor(3, 7))
	assert.Equal(t, LevelSevere, LevelFor(4, 7))
	assert.Equal(t, LevelSevere, LevelFor(2, 2))
	assert.Equal(t, "moderate", LevelModerate.String())
}

func TestLimitationFallsBackToReason(t *testing.T) {
	got := Limitation(Outcome{Category: "dbi_complaints", Kind: "upstream", Reason: "dataset provider returned 503"})
	assert.Equal(t, "dbi_complaints data unavailable: dataset provider returned 503", got)
	assert.Equal(t, "permits data unavailable: upstream error", Limitation(Outcome{Category: "permits"}))
}

func TestLimitationTruncatesOnRuneBoundary(t *testing.T) {
	reason := strings.Repeat("é", 200)
	got := Limitation(Outcome{Category: "evictions", Kind: "upstream", Reason: reason})

	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, len("evictions data unavailable: ")+157*len("é")+3, len(got))
}
