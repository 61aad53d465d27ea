package engine

import "fmt"

// DefaultFetchBudget is the default number of events one ingestion attempt
// may fetch from peers.
const DefaultFetchBudget = 1000

// FetchBudget bounds the events fetched during one ingestion attempt.
//
// Each IngestRemote call gets its own budget; nested fetches for missing
// ancestry and auth chains draw from it. This stops a peer from dragging
// one push into an unbounded crawl of the room's history.
//
// Not safe for concurrent use; an attempt runs on one goroutine.
type FetchBudget struct {
	max  int
	used int
}

// NewFetchBudget creates a budget. max <= 0 selects DefaultFetchBudget.
func NewFetchBudget(max int) *FetchBudget {
	if max <= 0 {
		max = DefaultFetchBudget
	}
	return &FetchBudget{max: max}
}

// Take charges n fetched events. Returns a FETCH_BUDGET IngestError once
// the budget is exceeded; the charge is kept so later calls fail too.
func (b *FetchBudget) Take(n int) error {
	b.used += n
	if b.used > b.max {
		return &IngestError{
			Code:    ErrCodeFetchBudget,
			Message: fmt.Sprintf("fetched %d events, budget is %d", b.used, b.max),
		}
	}
	return nil
}

// Used returns the number of events charged so far.
func (b *FetchBudget) Used() int {
	return b.used
}

// Max returns the budget limit.
func (b *FetchBudget) Max() int {
	return b.max
}
