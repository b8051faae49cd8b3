// Package router races an ordered list of candidate models for one chat
// request and splices the winner's stream back into a single reply.
package router

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoCandidates is returned when a candidate list would be empty
var ErrNoCandidates = errors.New("candidate list is empty")

// CandidateList is the ordered set of model identifiers to try, most preferred first.
// It is immutable once built and safe to share between requests.
type CandidateList struct {
	ids []string
}

// NewCandidateList trims the given ids, drops repeats (first occurrence wins)
// and rejects blanks and an empty result.
func NewCandidateList(ids ...string) (*CandidateList, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))

	for i, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("candidate %d: blank model identifier", i+1)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	if len(out) == 0 {
		return nil, ErrNoCandidates
	}

	return &CandidateList{ids: out}, nil
}

// Len returns the number of candidates
func (c *CandidateList) Len() int {
	return len(c.ids)
}

// At returns the candidate at zero-based position i
func (c *CandidateList) At(i int) string {
	return c.ids[i]
}

// All returns a copy of the candidates in trial order
func (c *CandidateList) All() []string {
	return append([]string(nil), c.ids...)
}

// String implements fmt.Stringer
func (c *CandidateList) String() string {
	return strings.Join(c.ids, ",")
}
