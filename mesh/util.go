package mesh

import (
	"crypto/rand"
	"encoding/binary"
	"regexp"
	"sync"

	_ "github.com/sean-/seed" // seeds the process-global math/rand source on init
)

// matchAnchoredRegex compiles expr anchored with ^...$ and matches it
// against val. Compiled patterns are cached per expression string so a
// single filter clause re-evaluated across many members (or many queries
// using the same tag filter) only pays the compile cost once.
var (
	regexCacheMu sync.Mutex
	regexCache   = make(map[string]*regexp.Regexp)
)

func matchAnchoredRegex(expr, val string) (bool, error) {
	re, err := cachedAnchoredRegex(expr)
	if err != nil {
		return false, err
	}
	return re.MatchString(val), nil
}

func cachedAnchoredRegex(expr string) (*regexp.Regexp, error) {
	regexCacheMu.Lock()
	defer regexCacheMu.Unlock()

	if re, ok := regexCache[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil, err
	}
	regexCache[expr] = re
	return re, nil
}

// randomQueryID generates a random 32-bit query identifier. It uses
// crypto/rand rather than the seeded math/rand source so concurrently
// issued queries across many nodes (seeded from similar start times) don't
// collide more than chance allows.
func randomQueryID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
