package state_machine

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/Konstantsiy/byzantine-ledger/command"
)

type Status uint8

const (
	StatusExecuted Status = iota
	StatusRolledBack
)

func (s Status) String() string {
	if s == StatusRolledBack {
		return "ROLLBACKED"
	}
	return "EXECUTED"
}

// Transaction is one attempted execution of a command.
type Transaction struct {
	ID     uuid.UUID      `json:"id"`
	Issuer command.PeerID `json:"issuer"`
	Action command.Action `json:"action"`
	Result command.Result `json:"result"`
	Status Status         `json:"status"`
}

func (t Transaction) String() string {
	return fmt.Sprintf("Client #%d > %s -> %s (ID: %s) : %s", t.Issuer, t.Action, t.Result, t.ID, t.Status)
}

// Journal is the append-only transaction log of a replica
type Journal struct {
	entries []Transaction
}

func NewJournal() *Journal {
	return &Journal{entries: make([]Transaction, 0)}
}

func (j *Journal) Append(cmd command.Command, result command.Result) {
	j.entries = append(j.entries, Transaction{
		ID:     cmd.ID,
		Issuer: cmd.Issuer,
		Action: cmd.Action,
		Result: result,
		Status: StatusExecuted,
	})
}

// Rollback marks the first still executed entry of the command as rolled back.
// An entry transitions at most once, so a command re-executed after a rollback keeps
// its new entry intact. Returns false if no such entry exists.
func (j *Journal) Rollback(id uuid.UUID) bool {
	for i := range j.entries {
		if j.entries[i].ID == id && j.entries[i].Status == StatusExecuted {
			j.entries[i].Status = StatusRolledBack
			return true
		}
	}
	return false
}

func (j *Journal) Len() int {
	return len(j.entries)
}

// Entries returns a copy of the log in append order.
func (j *Journal) Entries() []Transaction {
	var res = make([]Transaction, len(j.entries))
	copy(res, j.entries)
	return res
}

// Render writes one line per entry followed by the balances dump.
func Render(w io.Writer, entries []Transaction, balances map[command.PeerID]uint64) error {
	for _, entry := range entries {
		if _, err := fmt.Fprintln(w, entry.String()); err != nil {
			return fmt.Errorf("cannot write transaction %s: %w", entry.ID, err)
		}
	}

	if _, err := fmt.Fprintln(w, "BALANCES"); err != nil {
		return err
	}

	for _, id := range Accounts(balances) {
		if _, err := fmt.Fprintf(w, "Client #%d: %d\n", id, balances[id]); err != nil {
			return fmt.Errorf("cannot write balance of client %d: %w", id, err)
		}
	}

	return nil
}
