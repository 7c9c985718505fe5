package mesh

import "testing"

func TestMatchAnchoredRegex(t *testing.T) {
	cases := []struct {
		expr, val string
		want      bool
	}{
		{"web.*", "web1", true},
		{"web.*", "db1", false},
		{"^anchored$", "anchored", true},
		{"foo", "foobar", false}, // implicitly anchored, so a suffix shouldn't match
	}

	for _, tc := range cases {
		got, err := matchAnchoredRegex(tc.expr, tc.val)
		if err != nil {
			t.Fatalf("matchAnchoredRegex(%q, %q): %v", tc.expr, tc.val, err)
		}
		if got != tc.want {
			t.Fatalf("matchAnchoredRegex(%q, %q) = %v, want %v", tc.expr, tc.val, got, tc.want)
		}
	}
}

func TestMatchAnchoredRegex_Invalid(t *testing.T) {
	if _, err := matchAnchoredRegex("(", "x"); err == nil {
		t.Fatalf("expected an error compiling an invalid regex")
	}
}

func TestCachedAnchoredRegex_Caches(t *testing.T) {
	a, err := cachedAnchoredRegex("cache-me")
	if err != nil {
		t.Fatal(err)
	}
	b, err := cachedAnchoredRegex("cache-me")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("expected the same compiled regex to be returned from cache")
	}
}

func TestRandomQueryID_Unique(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		id := randomQueryID()
		if seen[id] {
			t.Fatalf("randomQueryID produced a duplicate across only 100 draws: %d", id)
		}
		seen[id] = true
	}
}
