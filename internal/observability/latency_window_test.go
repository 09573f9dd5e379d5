package observability

import "testing"

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8, map[string]float64{"pipeline:DEPLOYING": 800})
	w.Observe("pipeline:DEPLOYING", 500)
	w.Observe("pipeline:DEPLOYING", 700)
	w.Observe("pipeline:DEPLOYING", 900)
	w.CountOutcome("pipeline_conflict")
	w.CountOutcome("pipeline_conflict")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 800 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (800,900]", s.P95MS)
	}
	if !s.OverTarget {
		t.Fatalf("OverTarget = false, want true")
	}
	if len(snap.Outcomes) != 1 || snap.Outcomes[0].Count != 2 {
		t.Fatalf("Outcomes = %+v, want one entry with count 2", snap.Outcomes)
	}
}

func TestLatencyWindowWrapsRing(t *testing.T) {
	w := newLatencyWindow(2, nil)
	w.Observe("task:model_call", 10)
	w.Observe("task:model_call", 20)
	w.Observe("task:model_call", 30)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25", s.AvgMS)
	}
}
