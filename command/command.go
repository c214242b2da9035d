package command

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// PeerID identifies a client or a replica. Accounts are keyed by the issuing client's id.
type PeerID uint32

// Command is an operation submitted by a client. It is immutable once created.
type Command struct {
	ID     uuid.UUID `json:"id"`
	Issuer PeerID    `json:"issuer"`
	Action Action    `json:"action"`
}

// New creates a command with a fresh random id.
func New(issuer PeerID, action Action) Command {
	return Command{
		ID:     uuid.New(),
		Issuer: issuer,
		Action: action,
	}
}

// Less orders commands by their full (id, issuer, action) tuple.
// Ids are unique, so in practice this is the order of ids.
func (c Command) Less(other Command) bool {
	if cmp := bytes.Compare(c.ID[:], other.ID[:]); cmp != 0 {
		return cmp < 0
	}
	if c.Issuer != other.Issuer {
		return c.Issuer < other.Issuer
	}
	return c.Action.less(other.Action)
}

func (c Command) String() string {
	return fmt.Sprintf("Client #%d > %s (ID: %s)", c.Issuer, c.Action, c.ID)
}
