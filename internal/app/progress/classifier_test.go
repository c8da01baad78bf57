package progress

import "testing"

func TestClassify_ReferenceTable(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		line string
		want int
		ok   bool
	}{
		{"Loading checkpoint shards", 10, true},
		{"image pre-processed in 0.4s", 30, true},
		{"Generate output", 60, true},
		{"GENERATE", 60, true},
		{"save results to /tmp/x", 90, true},
		{"OCR complete", 100, true},
		{"wrote result_with_boxes.jpg", 100, true},
		{"unrelated log noise", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := c.Classify(tt.line)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Classify(%q) = (%d, %v), want (%d, %v)", tt.line, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	c := NewClassifier(nil)
	// "loading" is checked before "complete".
	got, ok := c.Classify("loading complete")
	if !ok || got != 10 {
		t.Errorf("Classify() = (%d, %v), want (10, true)", got, ok)
	}
}

func TestClassify_ZeroValueUsesDefaults(t *testing.T) {
	var c *Classifier
	if got, ok := c.Classify("generate"); !ok || got != 60 {
		t.Errorf("nil Classifier Classify() = (%d, %v), want (60, true)", got, ok)
	}
}

func TestNewClassifier_CustomStages(t *testing.T) {
	c := NewClassifier([]Stage{
		{Patterns: []string{"  Warmup "}, Percent: 5},
		{Patterns: []string{""}, Percent: 50},
		{Patterns: []string{"done"}, Percent: 150},
	})

	if got, ok := c.Classify("WARMUP phase"); !ok || got != 5 {
		t.Errorf("Classify(warmup) = (%d, %v), want (5, true)", got, ok)
	}
	if got, ok := c.Classify("done"); !ok || got != 100 {
		t.Errorf("Classify(done) = (%d, %v), want clamp to 100", got, ok)
	}
	if len(c.Stages()) != 2 {
		t.Errorf("Stages() len = %d, want 2 (empty pattern dropped)", len(c.Stages()))
	}
}

func TestTracker_Monotonic(t *testing.T) {
	tr := NewTracker(NewClassifier(nil), 0)

	steps := []struct {
		line    string
		want    int
		changed bool
	}{
		{"loading model", 10, true},
		{"generate", 60, true},
		{"pre-processed", 60, false}, // out of order, clamped
		{"noise", 60, false},
		{"save results", 90, true},
		{"complete", 100, true},
		{"loading", 100, false},
	}
	for _, s := range steps {
		got, changed := tr.Observe(s.line)
		if got != s.want || changed != s.changed {
			t.Errorf("Observe(%q) = (%d, %v), want (%d, %v)", s.line, got, changed, s.want, s.changed)
		}
	}
	if tr.Current() != 100 {
		t.Errorf("Current() = %d, want 100", tr.Current())
	}
}
