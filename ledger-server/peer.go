package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Konstantsiy/byzantine-ledger/command"
	"github.com/Konstantsiy/byzantine-ledger/coordinator"
)

var ErrPeerStopped = errors.New("peer is stopped")

type Role uint8

const (
	RoleClient Role = iota
	RoleFaultyClient
	RoleReplica
	RoleFaultyReplica
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleFaultyClient:
		return "faulty_client"
	case RoleReplica:
		return "replica"
	case RoleFaultyReplica:
		return "faulty_replica"
	}
	return "unknown"
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Handler is the role specific behaviour of a peer. Both methods run on the peer's event loop.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) error
	// HandleInstruction returns true when the peer must stop
	HandleInstruction(ctx context.Context, ins Instruction) bool
}

// instructionSource is implemented by handlers that keep answering instructions while
// they block inside HandleMessage.
type instructionSource interface {
	attachInstructions(instructions <-chan Instruction)
}

// decisionSource is implemented by handlers that also consume coordinator decisions.
type decisionSource interface {
	Decisions() <-chan coordinator.Decision
	HandleDecision(d coordinator.Decision)
}

// Peer runs the event loop of a single participant.
type Peer struct {
	ID   command.PeerID
	Role Role

	inbox        <-chan Message
	instructions chan Instruction
	handler      Handler

	// onFault is called from the event loop when the handler reports an error
	onFault func(id command.PeerID, err error)

	logger *slog.Logger
	doneCh chan struct{}
}

func NewPeer(id command.PeerID, role Role, inbox <-chan Message, handler Handler, logger *slog.Logger) *Peer {
	var p = &Peer{
		ID:           id,
		Role:         role,
		inbox:        inbox,
		instructions: make(chan Instruction),
		handler:      handler,
		logger:       logger,
		doneCh:       make(chan struct{}),
	}

	if source, ok := handler.(instructionSource); ok {
		source.attachInstructions(p.instructions)
	}
	return p
}

func (p *Peer) Run(ctx context.Context) {
	defer close(p.doneCh)

	var (
		decisions <-chan coordinator.Decision
		source, _ = p.handler.(decisionSource)
	)
	if source != nil {
		decisions = source.Decisions()
	}

	p.logger.Debug("started")

	// main cycle of the peer, it waits for events and handles them one at a time
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("context cancelled")
			return

		case ins := <-p.instructions:
			if p.handler.HandleInstruction(ctx, ins) {
				p.logger.Info("stopped")
				return
			}

		case msg := <-p.inbox:
			if err := p.handler.HandleMessage(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return
				}

				// the handler served a shutdown instruction while it was blocked
				if errors.Is(err, ErrPeerStopped) {
					p.logger.Info("stopped")
					return
				}

				p.logger.Error("cannot handle message", "kind", msg.Kind, "from", msg.From, "error", err)
				if p.onFault != nil {
					p.onFault(p.ID, err)
				}
			}

		case d, ok := <-decisions:
			if !ok {
				decisions = nil
				continue
			}
			source.HandleDecision(d)
		}
	}
}

// Instruct hands ins to the event loop.
func (p *Peer) Instruct(ctx context.Context, ins Instruction) error {
	select {
	case p.instructions <- ins:
		return nil
	case <-p.doneCh:
		return ErrPeerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the event loop returned.
func (p *Peer) Done() <-chan struct{} {
	return p.doneCh
}

// faultyHandler drops every message and only answers to shutdown.
type faultyHandler struct {
	logger *slog.Logger
}

func (h *faultyHandler) HandleMessage(context.Context, Message) error {
	return nil
}

func (h *faultyHandler) HandleInstruction(_ context.Context, ins Instruction) bool {
	if ins.Kind != InstructionShutdown {
		h.logger.Debug("instruction ignored", "kind", ins.Kind)
		return false
	}

	reply(ins.Done, nil)
	return true
}
