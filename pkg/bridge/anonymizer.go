package bridge

import (
	"fmt"
	"sync"
)

// IDAnonymizer maps real identifiers to stable placeholder values so
// diagnostics can show relationships without leaking the IDs themselves. The
// same (id, type) pair always maps to the same placeholder.
type IDAnonymizer struct {
	mu       sync.Mutex
	mapping  map[[2]string]string
	counters map[string]int
}

// NewIDAnonymizer returns an empty anonymizer.
func NewIDAnonymizer() *IDAnonymizer {
	return &IDAnonymizer{
		mapping:  make(map[[2]string]string),
		counters: make(map[string]int),
	}
}

// Anonymize returns the placeholder for realID of the given type, allocating
// a new one on first sight. Empty inputs map to "".
func (a *IDAnonymizer) Anonymize(realID, idType string) string {
	if realID == "" || idType == "" {
		return ""
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := [2]string{realID, idType}
	if anon, ok := a.mapping[key]; ok {
		return anon
	}

	a.counters[idType]++
	anon := fmt.Sprintf("<%s_%d>", idType, a.counters[idType])
	a.mapping[key] = anon
	return anon
}

// Clear drops all stored mappings and counters.
func (a *IDAnonymizer) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mapping = make(map[[2]string]string)
	a.counters = make(map[string]int)
}
