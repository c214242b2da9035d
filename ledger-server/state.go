package server

import (
	"github.com/google/uuid"

	"github.com/Konstantsiy/byzantine-ledger/command"
)

// roundState is the round protocol state of one replica, owned by its event loop.
/*
	invariants:
	delivered ⊆ received
	pending ⊆ received \ delivered
	pending and results are empty at a round boundary
*/
type roundState struct {
	// received holds every command ever seen, it only grows
	received command.Set
	// delivered holds finalized commands, they are never executed again
	delivered command.Set
	// pending holds the commands speculatively executed in the current round
	pending command.Set
	// results caches speculative results of pending commands
	results map[uuid.UUID]command.Result
	// round starts at 1 and increases when a decision is applied
	round uint64
	// toResolve holds commands not yet probed against the round's diff
	toResolve command.Set
}

func newRoundState() *roundState {
	return &roundState{
		received:  command.NewSet(),
		delivered: command.NewSet(),
		pending:   command.NewSet(),
		results:   make(map[uuid.UUID]command.Result),
		round:     1,
		toResolve: command.NewSet(),
	}
}

// ingest adds a command, a new undelivered one is queued for the conflict probe.
func (s *roundState) ingest(cmd command.Command) bool {
	if !s.received.Add(cmd) {
		return false
	}

	if !s.delivered.Has(cmd) {
		s.toResolve.Add(cmd)
	}
	return true
}

func (s *roundState) ingestSet(set command.Set) int {
	var added int
	for _, cmd := range set {
		if s.ingest(cmd) {
			added++
		}
	}
	return added
}

// diff returns received \ delivered and its part that is not pending yet.
func (s *roundState) diff() (diff, unprocessed command.Set) {
	diff = s.received.Difference(s.delivered)
	unprocessed = diff.Difference(s.pending)
	return diff, unprocessed
}

// hasConflict probes the resolve cache against diff.
func (s *roundState) hasConflict(diff command.Set) bool {
	return command.AnyConflict(s.toResolve, diff)
}

// speculate records the fast path outcome of the round so far.
func (s *roundState) speculate(diff command.Set) {
	s.toResolve = command.NewSet()
	s.pending = diff
}

// advance delivers the decided commands and opens the next round.
// The resolve cache is reseeded with what is still undelivered, the returned
// value reports whether there is any.
func (s *roundState) advance(decided command.Set) bool {
	s.received.Merge(decided)
	s.delivered.Merge(decided)
	s.round++

	s.pending = command.NewSet()
	s.results = make(map[uuid.UUID]command.Result)
	s.toResolve = s.received.Difference(s.delivered)

	return len(s.toResolve) > 0
}
