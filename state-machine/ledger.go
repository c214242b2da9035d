package state_machine

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Konstantsiy/byzantine-ledger/command"
)

var (
	ErrClientNotFound      = errors.New("client is not registered")
	ErrInsufficientBalance = errors.New("unsufficient balance")
	ErrAlreadyRegistered   = errors.New("client is already registered")
	ErrBalanceOverflow     = errors.New("balance overflow")

	// ErrNoSpeculativeResult is returned by Rollback for a command that was never executed.
	ErrNoSpeculativeResult = fmt.Errorf("no speculative result: %w", ErrClientNotFound)
)

// StateMachine executes banking commands and undoes successful executions.
type StateMachine interface {
	Execute(cmd command.Command) command.Result
	Rollback(cmd command.Command, result *command.Result) error
	Balances() map[command.PeerID]uint64
	Journal() *Journal
}

var _ StateMachine = (*Ledger)(nil)

// Ledger is an in-memory per-account balance store. Accounts are keyed by the issuing client.
// It is not safe for concurrent use, each replica owns exactly one.
type Ledger struct {
	accounts map[command.PeerID]uint64
	journal  *Journal
}

func New() *Ledger {
	return &Ledger{
		accounts: make(map[command.PeerID]uint64),
		journal:  NewJournal(),
	}
}

func (l *Ledger) Journal() *Journal {
	return l.journal
}

// Register opens an account with a zero balance
func (l *Ledger) Register(client command.PeerID) error {
	if _, ok := l.accounts[client]; ok {
		return ErrAlreadyRegistered
	}

	l.accounts[client] = 0
	return nil
}

func (l *Ledger) Unregister(client command.PeerID) error {
	if _, ok := l.accounts[client]; !ok {
		return ErrClientNotFound
	}

	delete(l.accounts, client)
	return nil
}

func (l *Ledger) Deposit(client command.PeerID, amount uint64) (uint64, error) {
	var balance, ok = l.accounts[client]
	if !ok {
		return 0, ErrClientNotFound
	}

	if balance > math.MaxUint64-amount {
		return balance, ErrBalanceOverflow
	}

	balance += amount
	l.accounts[client] = balance
	return balance, nil
}

func (l *Ledger) Withdraw(client command.PeerID, amount uint64) (uint64, error) {
	var balance, ok = l.accounts[client]
	if !ok {
		return 0, ErrClientNotFound
	}

	if balance < amount {
		return balance, ErrInsufficientBalance
	}

	balance -= amount
	l.accounts[client] = balance
	return balance, nil
}

func (l *Ledger) Get(client command.PeerID) (uint64, error) {
	var balance, ok = l.accounts[client]
	if !ok {
		return 0, ErrClientNotFound
	}
	return balance, nil
}

// Execute applies cmd and records the attempt in the journal.
// Domain failures are returned as a Failure result, never as an error.
func (l *Ledger) Execute(cmd command.Command) command.Result {
	var result = l.apply(cmd)
	l.journal.Append(cmd, result)
	return result
}

func (l *Ledger) apply(cmd command.Command) command.Result {
	var (
		client = cmd.Issuer
		amount uint64
		err    error
	)

	switch cmd.Action.Kind {
	case command.ActionRegister:
		if err = l.Register(client); err == nil {
			return command.Success()
		}
	case command.ActionGet:
		if amount, err = l.Get(client); err == nil {
			return command.SuccessWith(amount)
		}
	case command.ActionDeposit:
		if amount, err = l.Deposit(client, cmd.Action.Amount); err == nil {
			return command.SuccessWith(amount)
		}
	case command.ActionWithdraw:
		if amount, err = l.Withdraw(client, cmd.Action.Amount); err == nil {
			return command.SuccessWith(amount)
		}
	default:
		err = fmt.Errorf("unsupported action kind: %d", cmd.Action.Kind)
	}

	return command.Failure(fmt.Sprintf("Client #%d: %v", client, err))
}

// Rollback undoes the effect of a speculative execution of cmd whose cached result is given.
// A failed execution had no effect and needs nothing undone. The journal entry is marked
// rolled back only once the undo succeeded.
func (l *Ledger) Rollback(cmd command.Command, result *command.Result) error {
	if result == nil {
		return ErrNoSpeculativeResult
	}

	var err error
	if result.OK {
		var client = cmd.Issuer

		switch cmd.Action.Kind {
		case command.ActionRegister:
			err = l.Unregister(client)
		case command.ActionDeposit, command.ActionWithdraw:
			var inverse = cmd.Action.Inverse()
			if inverse.Kind == command.ActionWithdraw {
				_, err = l.Withdraw(client, inverse.Amount)
			} else {
				_, err = l.Deposit(client, inverse.Amount)
			}
		}
	}

	if err != nil {
		return fmt.Errorf("cannot rollback %s: %w", cmd, err)
	}

	l.journal.Rollback(cmd.ID)
	return nil
}

// Balances returns a copy of every account balance.
func (l *Ledger) Balances() map[command.PeerID]uint64 {
	var res = make(map[command.PeerID]uint64, len(l.accounts))
	for client, balance := range l.accounts {
		res[client] = balance
	}
	return res
}

// Accounts returns registered clients in id order.
func Accounts(balances map[command.PeerID]uint64) []command.PeerID {
	var ids = make([]command.PeerID, 0, len(balances))
	for id := range balances {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
