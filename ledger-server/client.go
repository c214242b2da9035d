package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Konstantsiy/byzantine-ledger/command"
)

var ErrDuplicateRequest = errors.New("request with this id is already tracked")

type clientConfig struct {
	id       command.PeerID
	replicas []command.PeerID // every replica, faulty ones included
	nAck     int
	faulty   int
}

// quorum returns how many matching acknowledgements a phase needs.
func (c clientConfig) quorum(phase command.Phase) int {
	if phase == command.PhaseCHK {
		return c.faulty + 1
	}
	return c.nAck
}

type vote struct {
	phase  command.Phase
	result command.Result
}

type request struct {
	cmd      command.Command
	feedback chan<- Feedback
	votes    map[vote]map[command.PeerID]struct{}
}

// clientHandler broadcasts commands to the replicas and counts their acknowledgements.
type clientHandler struct {
	clientConfig

	network *Network
	members map[command.PeerID]struct{}

	requests  map[uuid.UUID]*request
	completed map[uuid.UUID]struct{}

	logger *slog.Logger
}

func newClientHandler(cfg clientConfig, network *Network, logger *slog.Logger) *clientHandler {
	var members = make(map[command.PeerID]struct{}, len(cfg.replicas))
	for _, id := range cfg.replicas {
		members[id] = struct{}{}
	}

	return &clientHandler{
		clientConfig: cfg,
		network:      network,
		members:      members,
		requests:     make(map[uuid.UUID]*request),
		completed:    make(map[uuid.UUID]struct{}),
		logger:       logger,
	}
}

func (c *clientHandler) HandleInstruction(ctx context.Context, ins Instruction) bool {
	switch ins.Kind {
	case InstructionExecute:
		reply(ins.Done, c.execute(ctx, ins.Command, ins.Feedback))

	case InstructionTesting:
		c.logger.Info("testing instruction received")
		var msg = Message{Kind: MessageTesting, From: c.id}
		reply(ins.Done, c.network.Broadcast(ctx, c.replicas, msg))

	case InstructionInspect:
		if ins.Status != nil {
			ins.Status <- Status{
				ID:        c.id,
				Role:      RoleClient,
				InFlight:  len(c.requests),
				Completed: len(c.completed),
			}
		}
		reply(ins.Done, nil)

	case InstructionShutdown:
		if len(c.requests) > 0 {
			c.logger.Warn("stopping with requests in flight", "in_flight", len(c.requests))
		}
		reply(ins.Done, nil)
		return true
	}

	return false
}

func (c *clientHandler) execute(ctx context.Context, cmd command.Command, feedback chan<- Feedback) error {
	if cmd.Issuer != c.id {
		return fmt.Errorf("client %d cannot issue commands of client %d", c.id, cmd.Issuer)
	}

	if _, ok := c.requests[cmd.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, cmd.ID)
	}
	if _, ok := c.completed[cmd.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, cmd.ID)
	}

	c.requests[cmd.ID] = &request{
		cmd:      cmd,
		feedback: feedback,
		votes:    make(map[vote]map[command.PeerID]struct{}),
	}

	c.logger.Debug("command submitted", "command", cmd.ID, "action", cmd.Action.Kind)

	if err := c.network.Broadcast(ctx, c.replicas, commandMessage(c.id, cmd)); err != nil {
		delete(c.requests, cmd.ID)
		return fmt.Errorf("cannot submit %s: %w", cmd.ID, err)
	}
	return nil
}

func (c *clientHandler) HandleMessage(_ context.Context, msg Message) error {
	switch msg.Kind {
	case MessageAcknowledgement:
		c.acknowledge(msg)
	case MessageTesting:
		c.logger.Info("testing message received", "from", msg.From)
	}
	return nil
}

func (c *clientHandler) acknowledge(msg Message) {
	if _, ok := c.members[msg.From]; !ok {
		c.logger.Debug("acknowledgement from unknown peer ignored", "from", msg.From)
		return
	}

	var req, ok = c.requests[msg.Command.ID]
	if !ok {
		return
	}

	var key = vote{phase: msg.Phase, result: msg.Result}
	var voters = req.votes[key]
	if voters == nil {
		voters = make(map[command.PeerID]struct{})
		req.votes[key] = voters
	}
	voters[msg.From] = struct{}{}

	if len(voters) < c.quorum(msg.Phase) {
		return
	}

	delete(c.requests, req.cmd.ID)
	c.completed[req.cmd.ID] = struct{}{}

	var fb = Feedback{Command: req.cmd, Result: msg.Result, Phase: msg.Phase, Round: msg.Round}
	c.logger.Info("command completed",
		"command", req.cmd.ID, "action", req.cmd.Action.Kind, "phase", msg.Phase, "round", msg.Round, "ok", msg.Result.OK)

	if req.feedback != nil {
		select {
		case req.feedback <- fb:
		default:
			c.logger.Warn("feedback receiver is not ready, result dropped", "command", req.cmd.ID)
		}
	}
}
