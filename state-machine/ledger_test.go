package state_machine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Konstantsiy/byzantine-ledger/command"
)

func TestLedger_Register(t *testing.T) {
	var l = New()

	require.NoError(t, l.Register(1))
	balance, err := l.Get(1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), balance)

	require.ErrorIs(t, l.Register(1), ErrAlreadyRegistered)

	require.NoError(t, l.Unregister(1))
	require.ErrorIs(t, l.Unregister(1), ErrClientNotFound)
}

func TestLedger_DepositWithdraw(t *testing.T) {
	var l = New()

	_, err := l.Deposit(1, 77)
	require.ErrorIs(t, err, ErrClientNotFound)

	require.NoError(t, l.Register(1))

	balance, err := l.Deposit(1, 40)
	require.NoError(t, err)
	require.Equal(t, uint64(40), balance)

	balance, err = l.Withdraw(1, 30)
	require.NoError(t, err)
	require.Equal(t, uint64(10), balance)

	_, err = l.Withdraw(1, 11)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = l.Withdraw(2, 0)
	require.ErrorIs(t, err, ErrClientNotFound)
}

func TestLedger_DepositOverflow(t *testing.T) {
	var l = New()
	require.NoError(t, l.Register(1))

	_, err := l.Deposit(1, math.MaxUint64)
	require.NoError(t, err)

	balance, err := l.Deposit(1, 1)
	require.ErrorIs(t, err, ErrBalanceOverflow)
	require.Equal(t, uint64(math.MaxUint64), balance)
}

func TestLedger_Execute(t *testing.T) {
	var (
		l  = New()
		tt = []struct {
			name     string
			action   command.Action
			expectOK bool
			amount   uint64
		}{
			{name: "deposit before register", action: command.Deposit(10), expectOK: false},
			{name: "register", action: command.Register(), expectOK: true},
			{name: "register twice", action: command.Register(), expectOK: false},
			{name: "deposit", action: command.Deposit(10), expectOK: true, amount: 10},
			{name: "get", action: command.Get(), expectOK: true, amount: 10},
			{name: "withdraw too much", action: command.Withdraw(15), expectOK: false},
			{name: "withdraw", action: command.Withdraw(4), expectOK: true, amount: 6},
		}
	)

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var res = l.Execute(command.New(1, tc.action))
			require.Equal(t, tc.expectOK, res.OK, res.Reason)
			if tc.expectOK && tc.action.Kind != command.ActionRegister {
				require.True(t, res.HasAmount)
				require.Equal(t, tc.amount, res.Amount)
			}
		})
	}

	require.Equal(t, len(tt), l.Journal().Len())
}

func TestLedger_RollbackRestoresBalance(t *testing.T) {
	var tt = []struct {
		name   string
		setup  []command.Action
		action command.Action
	}{
		{name: "deposit", setup: []command.Action{command.Register(), command.Deposit(5)}, action: command.Deposit(10)},
		{name: "withdraw", setup: []command.Action{command.Register(), command.Deposit(50)}, action: command.Withdraw(20)},
		{name: "failed withdraw", setup: []command.Action{command.Register()}, action: command.Withdraw(20)},
		{name: "get", setup: []command.Action{command.Register()}, action: command.Get()},
		{name: "register", setup: nil, action: command.Register()},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var l = New()
			for _, a := range tc.setup {
				l.Execute(command.New(1, a))
			}

			var before = l.Balances()
			var cmd = command.New(1, tc.action)
			var res = l.Execute(cmd)

			require.NoError(t, l.Rollback(cmd, &res))
			require.Equal(t, before, l.Balances())

			var entries = l.Journal().Entries()
			require.Equal(t, StatusRolledBack, entries[len(entries)-1].Status)
		})
	}
}

func TestLedger_FailedRollbackKeepsEntry(t *testing.T) {
	var l = New()
	l.Execute(command.New(1, command.Register()))

	var deposit = command.New(1, command.Deposit(10))
	var res = l.Execute(deposit)
	l.Execute(command.New(1, command.Withdraw(10)))

	// the deposited amount was already spent
	require.ErrorIs(t, l.Rollback(deposit, &res), ErrInsufficientBalance)
	require.Equal(t, map[command.PeerID]uint64{1: 0}, l.Balances())

	var entries = l.Journal().Entries()
	require.Equal(t, deposit.ID, entries[1].ID)
	require.Equal(t, StatusExecuted, entries[1].Status)
}

func TestLedger_RollbackWithoutResult(t *testing.T) {
	var l = New()
	var err = l.Rollback(command.New(1, command.Deposit(1)), nil)
	require.ErrorIs(t, err, ErrNoSpeculativeResult)
	require.ErrorIs(t, err, ErrClientNotFound)
}
