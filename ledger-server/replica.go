package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Konstantsiy/byzantine-ledger/command"
	"github.com/Konstantsiy/byzantine-ledger/coordinator"
	state_machine "github.com/Konstantsiy/byzantine-ledger/state-machine"
)

var ErrRoundTimeout = errors.New("round processing exceeded its time budget")

type proposer interface {
	Propose(ctx context.Context, p coordinator.Proposal) error
}

type replicaConfig struct {
	id           command.PeerID
	peers        []command.PeerID // every other replica, faulty ones included
	roundTimeout time.Duration
	storage      StorageConfig
}

type replicaHandler struct {
	replicaConfig

	network     *Network
	coordinator proposer
	decisions   <-chan coordinator.Decision
	inbox       <-chan Message

	// instructions of the owning peer, served while a round waits for its decision
	instructions <-chan Instruction

	ledger state_machine.StateMachine
	state  *roundState

	// decisions that arrived before the replica took the slow path of their round
	stash map[uint64]coordinator.Decision
	// fault is set once a liveness fault happened, the replica stops processing afterwards
	fault error

	logger *slog.Logger
}

func newReplicaHandler(
	cfg replicaConfig,
	network *Network,
	coord proposer,
	decisions <-chan coordinator.Decision,
	inbox <-chan Message,
	logger *slog.Logger,
) *replicaHandler {
	return &replicaHandler{
		replicaConfig: cfg,
		network:       network,
		coordinator:   coord,
		decisions:     decisions,
		inbox:         inbox,
		ledger:        state_machine.New(),
		state:         newRoundState(),
		stash:         make(map[uint64]coordinator.Decision),
		logger:        logger,
	}
}

func (r *replicaHandler) attachInstructions(instructions <-chan Instruction) {
	r.instructions = instructions
}

func (r *replicaHandler) Decisions() <-chan coordinator.Decision {
	return r.decisions
}

// HandleDecision keeps a decision that arrived outside of the slow path.
func (r *replicaHandler) HandleDecision(d coordinator.Decision) {
	if r.fault != nil {
		return
	}
	r.keep(d)
}

func (r *replicaHandler) keep(d coordinator.Decision) {
	if d.Round < r.state.round {
		r.logger.Debug("stale decision discarded", "decision_round", d.Round, "round", r.state.round)
		return
	}
	r.stash[d.Round] = d
}

func (r *replicaHandler) HandleMessage(ctx context.Context, msg Message) error {
	if r.fault != nil {
		return nil
	}

	if !r.ingest(msg) {
		return nil
	}

	if err := r.process(ctx); err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrPeerStopped) {
			r.fault = err
		}
		return err
	}
	return nil
}

// ingest merges the commands carried by msg and reports whether the round state changed.
func (r *replicaHandler) ingest(msg Message) bool {
	switch msg.Kind {
	case MessageCommand:
		return r.state.ingest(msg.Command)

	case MessageReplicaBroadcast:
		if msg.Round != r.state.round {
			r.logger.Debug("broadcast for another round ignored",
				"from", msg.From, "phase", msg.Phase, "broadcast_round", msg.Round, "round", r.state.round)
			return false
		}
		return r.state.ingestSet(msg.Set) > 0

	case MessageTesting:
		r.logger.Info("testing message received", "from", msg.From)
	}

	return false
}

// process runs the round transition until nothing is left to do.
func (r *replicaHandler) process(ctx context.Context) error {
	for {
		again, err := r.step(ctx)
		if err != nil || !again {
			return err
		}
	}
}

// step runs one transition and returns true when a round was closed with undelivered commands left.
func (r *replicaHandler) step(ctx context.Context) (bool, error) {
	var diff, unprocessed = r.state.diff()
	if len(unprocessed) == 0 {
		return false, nil
	}

	if !r.state.hasConflict(diff) {
		r.fastPath(ctx, diff, unprocessed)
		return false, nil
	}

	return r.slowPath(ctx, diff, unprocessed)
}

func (r *replicaHandler) fastPath(ctx context.Context, diff, unprocessed command.Set) {
	var round = r.state.round

	for _, cmd := range unprocessed.Sorted() {
		var result = r.ledger.Execute(cmd)
		r.state.results[cmd.ID] = result

		r.logger.Debug("speculatively executed", "round", round, "command", cmd.ID, "action", cmd.Action.Kind, "ok", result.OK)
		r.acknowledge(ctx, cmd, round, result, command.PhaseACK)
	}

	r.state.speculate(diff)
	r.broadcast(ctx, round, diff.Clone(), command.PhaseACK)
}

func (r *replicaHandler) slowPath(ctx context.Context, diff, unprocessed command.Set) (bool, error) {
	var round = r.state.round

	r.logger.Info("conflict detected", "round", round, "pending", len(r.state.pending), "unprocessed", len(unprocessed))
	r.broadcast(ctx, round, diff.Clone(), command.PhaseCHK)

	roundCtx, cancel := context.WithTimeout(ctx, r.roundTimeout)
	defer cancel()

	var proposal = coordinator.Proposal{
		Proposer:       r.id,
		Round:          round,
		NonConflicting: r.state.pending.Clone(),
		Conflicting:    unprocessed,
	}

	if err := r.coordinator.Propose(roundCtx, proposal); err != nil {
		return false, r.roundError(ctx, round, fmt.Errorf("cannot propose: %w", err))
	}

	decision, err := r.await(roundCtx, round)
	if errors.Is(err, ErrPeerStopped) {
		return false, err
	}
	if err != nil {
		return false, r.roundError(ctx, round, err)
	}

	return r.apply(ctx, decision), nil
}

// await parks the round until its decision arrives. Wire messages keep being ingested and
// instructions answered meanwhile. A shutdown abandons the round and returns ErrPeerStopped.
func (r *replicaHandler) await(ctx context.Context, round uint64) (coordinator.Decision, error) {
	if d, ok := r.stash[round]; ok {
		delete(r.stash, round)
		return d, nil
	}

	for {
		select {
		case <-ctx.Done():
			return coordinator.Decision{}, ctx.Err()

		case d, ok := <-r.decisions:
			if !ok {
				return coordinator.Decision{}, coordinator.ErrStopped
			}
			if d.Round == round {
				return d, nil
			}
			r.keep(d)

		case msg := <-r.inbox:
			r.ingest(msg)

		case ins := <-r.instructions:
			if r.HandleInstruction(ctx, ins) {
				r.logger.Warn("round abandoned on shutdown", "round", round)
				return coordinator.Decision{}, ErrPeerStopped
			}
		}
	}
}

// apply reconciles the round with the coordinator decision and opens the next round.
func (r *replicaHandler) apply(ctx context.Context, d coordinator.Decision) bool {
	var (
		round   = r.state.round
		results = r.state.results
	)

	for _, cmd := range r.state.pending.Difference(d.NonConflicting).Sorted() {
		var cached, ok = results[cmd.ID]
		delete(results, cmd.ID)

		var err error
		if ok {
			err = r.ledger.Rollback(cmd, &cached)
		} else {
			err = r.ledger.Rollback(cmd, nil)
		}

		if err != nil {
			r.logger.Error("rollback failed", "round", round, "command", cmd.ID, "error", err)
			continue
		}
		r.logger.Warn("rolled back", "round", round, "command", cmd.ID, "action", cmd.Action.Kind)
	}

	for _, cmd := range d.NonConflicting.Difference(r.state.delivered).Sorted() {
		var result, ok = results[cmd.ID]
		if !ok {
			result = r.ledger.Execute(cmd)
		}
		r.acknowledge(ctx, cmd, round, result, command.PhaseCHK)
	}

	for _, cmd := range d.Conflicting.Difference(r.state.delivered).Sorted() {
		var result = r.ledger.Execute(cmd)
		r.acknowledge(ctx, cmd, round, result, command.PhaseCHK)
	}

	var leftovers = r.state.advance(d.NonConflicting.Union(d.Conflicting))
	for stashed := range r.stash {
		if stashed < r.state.round {
			delete(r.stash, stashed)
		}
	}

	r.logger.Info("round closed",
		"round", round,
		"non_conflicting", len(d.NonConflicting),
		"conflicting", len(d.Conflicting),
		"delivered", len(r.state.delivered),
	)

	return leftovers
}

func (r *replicaHandler) roundError(ctx context.Context, round uint64, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: replica %d round %d", ErrRoundTimeout, r.id, round)
	}
	return fmt.Errorf("replica %d round %d: %w", r.id, round, err)
}

func (r *replicaHandler) acknowledge(ctx context.Context, cmd command.Command, round uint64, result command.Result, phase command.Phase) {
	var msg = acknowledgementMessage(r.id, cmd, round, result, phase)
	if err := r.network.Send(ctx, cmd.Issuer, msg); err != nil {
		r.logger.Debug("cannot acknowledge", "command", cmd.ID, "error", err)
	}
}

func (r *replicaHandler) broadcast(ctx context.Context, round uint64, set command.Set, phase command.Phase) {
	var msg = broadcastMessage(r.id, round, set, phase)
	if err := r.network.Broadcast(ctx, r.peers, msg); err != nil {
		r.logger.Debug("broadcast incomplete", "round", round, "phase", phase, "error", err)
	}
}

func (r *replicaHandler) HandleInstruction(_ context.Context, ins Instruction) bool {
	switch ins.Kind {
	case InstructionShutdown:
		var err = r.flush()
		if err != nil {
			r.logger.Error("cannot flush transaction log", "error", err)
		}
		reply(ins.Done, err)
		return true

	case InstructionInspect:
		if ins.Status != nil {
			ins.Status <- r.status()
		}
		reply(ins.Done, nil)

	case InstructionTesting:
		r.logger.Info("testing instruction received", "round", r.state.round, "transactions", r.ledger.Journal().Len())
		reply(ins.Done, nil)

	default:
		reply(ins.Done, fmt.Errorf("replica %d does not support %s instruction", r.id, ins.Kind))
	}

	return false
}

func (r *replicaHandler) status() Status {
	var status = Status{
		ID:           r.id,
		Role:         RoleReplica,
		Round:        r.state.round,
		Received:     len(r.state.received),
		Delivered:    len(r.state.delivered),
		Pending:      len(r.state.pending),
		Balances:     r.ledger.Balances(),
		Transactions: r.ledger.Journal().Entries(),
	}

	if r.fault != nil {
		status.Fault = r.fault.Error()
	}
	return status
}

// flush writes the transaction log and, if enabled, the bbolt archive into the data directory.
func (r *replicaHandler) flush() error {
	if r.storage.DataDir == "" {
		return nil
	}

	if err := os.MkdirAll(r.storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("cannot create data directory: %w", err)
	}

	var (
		entries  = r.ledger.Journal().Entries()
		balances = r.ledger.Balances()
		logPath  = filepath.Join(r.storage.DataDir, fmt.Sprintf("replica-%d.log", r.id))
	)

	fd, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("cannot create transaction log: %w", err)
	}

	if err = state_machine.Render(fd, entries, balances); err != nil {
		_ = fd.Close()
		return err
	}

	if err = fd.Sync(); err != nil {
		_ = fd.Close()
		return fmt.Errorf("cannot sync transaction log to disk: %w", err)
	}

	if err = fd.Close(); err != nil {
		return err
	}

	if r.storage.Archive {
		var archivePath = filepath.Join(r.storage.DataDir, fmt.Sprintf("replica-%d.db", r.id))
		if err = state_machine.WriteArchive(archivePath, state_machine.Snapshot{Transactions: entries, Balances: balances}); err != nil {
			return err
		}
	}

	r.logger.Info("transaction log flushed", "path", logPath, "entries", len(entries))
	return nil
}
