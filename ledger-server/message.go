package server

import (
	"github.com/Konstantsiy/byzantine-ledger/command"
	state_machine "github.com/Konstantsiy/byzantine-ledger/state-machine"
)

type MessageKind uint8

const (
	// MessageCommand - direct submission of a command by its client
	MessageCommand MessageKind = iota
	// MessageReplicaBroadcast - (round, set, phase) sent by a replica to its peers
	MessageReplicaBroadcast
	// MessageAcknowledgement - (command, round, result, phase) sent by a replica to the issuing client
	MessageAcknowledgement
	// MessageTesting - liveness probe
	MessageTesting
)

func (k MessageKind) String() string {
	switch k {
	case MessageCommand:
		return "command"
	case MessageReplicaBroadcast:
		return "replica_broadcast"
	case MessageAcknowledgement:
		return "acknowledgement"
	case MessageTesting:
		return "testing"
	}
	return "unknown"
}

// Message is the wire unit between peers. Fields not used by a kind are left zero.
type Message struct {
	Kind MessageKind
	From command.PeerID

	Command command.Command // MessageCommand, MessageAcknowledgement
	Round   uint64         // MessageReplicaBroadcast, MessageAcknowledgement
	Set     command.Set    // MessageReplicaBroadcast, receivers must not modify it
	Phase   command.Phase  // MessageReplicaBroadcast, MessageAcknowledgement
	Result  command.Result // MessageAcknowledgement
}

func commandMessage(from command.PeerID, cmd command.Command) Message {
	return Message{Kind: MessageCommand, From: from, Command: cmd}
}

func broadcastMessage(from command.PeerID, round uint64, set command.Set, phase command.Phase) Message {
	return Message{Kind: MessageReplicaBroadcast, From: from, Round: round, Set: set, Phase: phase}
}

func acknowledgementMessage(from command.PeerID, cmd command.Command, round uint64, result command.Result, phase command.Phase) Message {
	return Message{Kind: MessageAcknowledgement, From: from, Command: cmd, Round: round, Result: result, Phase: phase}
}

type InstructionKind uint8

const (
	InstructionExecute InstructionKind = iota
	InstructionTesting
	InstructionShutdown
	InstructionInspect
)

func (k InstructionKind) String() string {
	switch k {
	case InstructionExecute:
		return "execute"
	case InstructionTesting:
		return "testing"
	case InstructionShutdown:
		return "shutdown"
	case InstructionInspect:
		return "inspect"
	}
	return "unknown"
}

// Instruction is a local administrative request to a peer.
// Done, when set, receives exactly one value once the instruction was handled.
type Instruction struct {
	Kind    InstructionKind
	Command command.Command // InstructionExecute

	// Feedback receives the accepted result of an executed command, it must be buffered
	Feedback chan<- Feedback
	// Status receives the snapshot of InstructionInspect, it must be buffered
	Status chan<- Status

	Done chan<- error
}

// Feedback is the result a client accepted for one of its commands.
type Feedback struct {
	Command command.Command `json:"command"`
	Result  command.Result  `json:"result"`
	Phase   command.Phase   `json:"phase"`
	Round   uint64          `json:"round"`
}

// Status is a point-in-time view of a peer. Replica fields are empty for clients and the other way round.
type Status struct {
	ID   command.PeerID `json:"id"`
	Role Role           `json:"role"`

	Round        uint64                      `json:"round,omitempty"`
	Received     int                         `json:"received,omitempty"`
	Delivered    int                         `json:"delivered,omitempty"`
	Pending      int                         `json:"pending,omitempty"`
	Balances     map[command.PeerID]uint64   `json:"balances,omitempty"`
	Transactions []state_machine.Transaction `json:"transactions,omitempty"`
	Fault        string                      `json:"fault,omitempty"`

	InFlight  int `json:"in_flight,omitempty"`
	Completed int `json:"completed,omitempty"`
}

func reply(done chan<- error, err error) {
	if done != nil {
		done <- err
	}
}
