package mesh

import "testing"

func TestInternalQueryName(t *testing.T) {
	if got, want := internalQueryName("conflict"), "_serf_conflict"; got != want {
		t.Fatalf("internalQueryName(%q) = %q, want %q", "conflict", got, want)
	}
}
