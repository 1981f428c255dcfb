package message

import "testing"

func TestPriorityRankOrdering(t *testing.T) {
	if !(PriorityHigh.Rank() < PriorityMedium.Rank() && PriorityMedium.Rank() < PriorityLow.Rank()) {
		t.Fatalf("expected PriorityHigh < PriorityMedium < PriorityLow by rank, got %d, %d, %d",
			PriorityHigh.Rank(), PriorityMedium.Rank(), PriorityLow.Rank())
	}
}

func TestPriorityString(t *testing.T) {
	cases := map[Priority]string{
		PriorityHigh:   "high",
		PriorityMedium: "medium",
		PriorityLow:    "low",
		PriorityUnset:  "unknown",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Priority(%d).String() = %q, want %q", p, got, want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"high":   PriorityHigh,
		"low":    PriorityLow,
		"medium": PriorityMedium,
		"":       PriorityMedium,
		"bogus":  PriorityMedium,
	}
	for in, want := range cases {
		if got := ParsePriority(in); got != want {
			t.Errorf("ParsePriority(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMessageSizeIncludesOverhead(t *testing.T) {
	m := &Message{Type: "order", Payload: []byte("12345")}
	want := len("order") + len("12345") + 8
	if got := m.Size(); got != want {
		t.Errorf("Size() = %d, want %d", got, want)
	}
}

func TestMessageSizeWithEmptyPayload(t *testing.T) {
	m := &Message{Type: "ping"}
	want := len("ping") + 8
	if got := m.Size(); got != want {
		t.Errorf("Size() = %d, want %d", got, want)
	}
}

func TestFlushReasonConstants(t *testing.T) {
	reasons := []FlushReason{
		FlushReasonSize,
		FlushReasonTimeout,
		FlushReasonClientDisconnect,
		FlushReasonManual,
		FlushReasonStop,
	}
	seen := make(map[FlushReason]bool, len(reasons))
	for _, r := range reasons {
		if r == "" {
			t.Fatalf("FlushReason must not be empty")
		}
		if seen[r] {
			t.Fatalf("duplicate FlushReason value %q", r)
		}
		seen[r] = true
	}
}
