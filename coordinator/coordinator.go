package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Konstantsiy/byzantine-ledger/command"
)

var ErrStopped = errors.New("coordinator is stopped")

// Proposal is what a replica submits when it takes the slow path of a round.
type Proposal struct {
	Proposer       command.PeerID
	Round          uint64
	NonConflicting command.Set
	Conflicting    command.Set
}

// Decision is the authoritative split of a round. The same sets are delivered to every
// subscriber, receivers must not modify them.
type Decision struct {
	Round          uint64
	NonConflicting command.Set
	Conflicting    command.Set
}

type Config struct {
	// Quorum is the number of distinct proposers a round waits for (n_ack)
	Quorum int
	// BufferSize bounds the proposal queue and each subscriber's decision queue
	BufferSize int
	// ConsensusDelay simulates the latency of the agreement itself
	ConsensusDelay time.Duration
}

// Coordinator aggregates per-round proposals into decisions. All tally state is owned by Run.
type Coordinator struct {
	cfg Config

	proposals chan Proposal

	mx          sync.Mutex
	subscribers []chan Decision
	stopped     bool

	// round -> proposer -> proposal
	received map[uint64]map[command.PeerID]Proposal
	// round -> proposers that submitted twice, they contribute nothing to that round
	blocked   map[uint64]map[command.PeerID]struct{}
	validated map[uint64]struct{}

	logger *slog.Logger
	doneCh chan struct{}
}

func New(cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.Quorum <= 0 {
		cfg.Quorum = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		cfg:       cfg,
		proposals: make(chan Proposal, cfg.BufferSize),
		received:  make(map[uint64]map[command.PeerID]Proposal),
		blocked:   make(map[uint64]map[command.PeerID]struct{}),
		validated: make(map[uint64]struct{}),
		logger:    logger.With("role", "coordinator"),
		doneCh:    make(chan struct{}),
	}
}

// Subscribe returns a channel receiving every decision made after the call.
func (c *Coordinator) Subscribe() <-chan Decision {
	c.mx.Lock()
	defer c.mx.Unlock()

	var ch = make(chan Decision, c.cfg.BufferSize)
	if c.stopped {
		close(ch)
		return ch
	}

	c.subscribers = append(c.subscribers, ch)
	return ch
}

// Propose queues p for the aggregation loop.
func (c *Coordinator) Propose(ctx context.Context, p Proposal) error {
	select {
	case <-c.doneCh:
		return ErrStopped
	default:
	}

	select {
	case c.proposals <- p:
		return nil
	case <-c.doneCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes proposals until ctx is cancelled, then closes every subscription.
func (c *Coordinator) Run(ctx context.Context) {
	defer c.stop()

	c.logger.Info("started", "quorum", c.cfg.Quorum)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("shutdown signal received")
			return

		case p := <-c.proposals:
			decision, ok := c.handle(p)
			if !ok {
				continue
			}

			if c.cfg.ConsensusDelay > 0 {
				var timer = time.NewTimer(c.cfg.ConsensusDelay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}

			if err := c.broadcast(ctx, decision); err != nil {
				return
			}
		}
	}
}

// handle records a proposal and returns the round decision once the quorum is reached.
func (c *Coordinator) handle(p Proposal) (Decision, bool) {
	var logger = c.logger.With("proposer", p.Proposer, "round", p.Round)

	if _, ok := c.validated[p.Round]; ok {
		logger.Debug("proposal for validated round ignored")
		return Decision{}, false
	}

	if _, ok := c.blocked[p.Round][p.Proposer]; ok {
		logger.Debug("proposal from blocked proposer ignored")
		return Decision{}, false
	}

	var proposals, ok = c.received[p.Round]
	if !ok {
		proposals = make(map[command.PeerID]Proposal)
		c.received[p.Round] = proposals
	}

	if _, ok = proposals[p.Proposer]; ok {
		logger.Warn("second proposal for the round, evicting proposer")
		delete(proposals, p.Proposer)

		if c.blocked[p.Round] == nil {
			c.blocked[p.Round] = make(map[command.PeerID]struct{})
		}
		c.blocked[p.Round][p.Proposer] = struct{}{}
		return Decision{}, false
	}

	proposals[p.Proposer] = p
	logger.Debug("proposal recorded", "recorded", len(proposals))

	if len(proposals) < c.cfg.Quorum {
		return Decision{}, false
	}

	var decision = Decide(p.Round, c.cfg.Quorum, proposals)

	c.validated[p.Round] = struct{}{}
	delete(c.received, p.Round)
	delete(c.blocked, p.Round)

	logger.Info("round validated",
		"non_conflicting", len(decision.NonConflicting),
		"conflicting", len(decision.Conflicting),
	)

	return decision, true
}

// Threshold is the number of proposers that must agree an operation is non-conflicting.
func Threshold(quorum int) int {
	// ceil((quorum + 1) / 2)
	return (quorum + 2) / 2
}

// Decide reduces the recorded proposals of a round into the final split.
// The result does not depend on the iteration order of proposals.
func Decide(round uint64, quorum int, proposals map[command.PeerID]Proposal) Decision {
	var (
		tally      = make(map[command.Command]int)
		threshold  = Threshold(quorum)
		nonConfl   = command.NewSet()
		conflicted = command.NewSet()
	)

	for _, p := range proposals {
		for _, cmd := range p.NonConflicting {
			tally[cmd]++
		}
		conflicted.Merge(p.Conflicting)
	}

	for cmd, count := range tally {
		if count >= threshold {
			nonConfl.Add(cmd)
		} else {
			conflicted.Add(cmd)
		}
	}

	return Decision{
		Round:          round,
		NonConflicting: nonConfl,
		Conflicting:    conflicted.Difference(nonConfl),
	}
}

func (c *Coordinator) broadcast(ctx context.Context, d Decision) error {
	c.mx.Lock()
	var subscribers = make([]chan Decision, len(c.subscribers))
	copy(subscribers, c.subscribers)
	c.mx.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (c *Coordinator) stop() {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.stopped {
		return
	}

	c.stopped = true
	close(c.doneCh)
	for _, ch := range c.subscribers {
		close(ch)
	}
	c.subscribers = nil
}
