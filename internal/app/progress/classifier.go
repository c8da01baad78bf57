// Package progress estimates worker completion from free-text log lines.
//
// The estimate is a best-effort heuristic: the worker does not report real
// progress, so each line is matched against an ordered table of keywords and
// mapped to a coarse percentage. It is not a measure of work completed.
package progress

import "strings"

// Stage maps any of its substrings to a completion percentage.
type Stage struct {
	Patterns []string `toml:"patterns"`
	Percent  int      `toml:"percent"`
}

// DefaultStages is the reference stage table. Earlier entries win.
var DefaultStages = []Stage{
	{Patterns: []string{"loading"}, Percent: 10},
	{Patterns: []string{"pre-processed"}, Percent: 30},
	{Patterns: []string{"generate"}, Percent: 60},
	{Patterns: []string{"save results"}, Percent: 90},
	{Patterns: []string{"complete", "result_with_boxes"}, Percent: 100},
}

// Classifier is a pure, ordered keyword table. The zero value uses DefaultStages.
type Classifier struct {
	stages []Stage
}

// NewClassifier builds a classifier from stages. Patterns are lowercased once;
// empty patterns and empty stage lists fall back to DefaultStages.
func NewClassifier(stages []Stage) *Classifier {
	if len(stages) == 0 {
		stages = DefaultStages
	}
	c := &Classifier{stages: make([]Stage, 0, len(stages))}
	for _, s := range stages {
		var pats []string
		for _, p := range s.Patterns {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				pats = append(pats, p)
			}
		}
		if len(pats) == 0 {
			continue
		}
		c.stages = append(c.stages, Stage{Patterns: pats, Percent: min(max(s.Percent, 0), 100)})
	}
	if len(c.stages) == 0 {
		return NewClassifier(nil)
	}
	return c
}

// Classify returns the percentage of the first stage whose pattern occurs in
// line (case-insensitive). ok is false when nothing matches.
func (c *Classifier) Classify(line string) (pct int, ok bool) {
	stages := DefaultStages
	if c != nil && len(c.stages) > 0 {
		stages = c.stages
	}
	lower := strings.ToLower(line)
	for _, s := range stages {
		for _, p := range s.Patterns {
			if strings.Contains(lower, p) {
				return s.Percent, true
			}
		}
	}
	return 0, false
}

// Stages returns a copy of the active table.
func (c *Classifier) Stages() []Stage {
	if c != nil && len(c.stages) > 0 {
		return CopyStages(c.stages)
	}
	return CopyStages(DefaultStages)
}

// CopyStages deep-copies a stage table so decoders can fill it in place.
func CopyStages(stages []Stage) []Stage {
	out := make([]Stage, len(stages))
	for i, s := range stages {
		out[i] = Stage{Patterns: append([]string(nil), s.Patterns...), Percent: s.Percent}
	}
	return out
}

// ─── Tracker ────────────────────────────────────────────────────────────────

// Tracker holds the running progress of one task and never lets it go back.
// Worker lines are not guaranteed to arrive in the table's nominal order.
type Tracker struct {
	c       *Classifier
	current int
}

// NewTracker starts tracking at the given value.
func NewTracker(c *Classifier, start int) *Tracker {
	return &Tracker{c: c, current: start}
}

// Observe classifies line and returns the new progress and whether it moved.
func (t *Tracker) Observe(line string) (int, bool) {
	pct, ok := t.c.Classify(line)
	if !ok || pct <= t.current {
		return t.current, false
	}
	t.current = pct
	return t.current, true
}

// Current returns the last recorded progress.
func (t *Tracker) Current() int { return t.current }
