package state_machine

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Konstantsiy/byzantine-ledger/command"
)

func TestJournal_RollbackOnce(t *testing.T) {
	var (
		j   = NewJournal()
		cmd = command.New(3, command.Deposit(10))
	)

	j.Append(cmd, command.SuccessWith(10))
	require.True(t, j.Rollback(cmd.ID))

	// re-executed later in the canonical order
	j.Append(cmd, command.SuccessWith(10))
	require.True(t, j.Rollback(cmd.ID))
	require.False(t, j.Rollback(cmd.ID))

	var entries = j.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, StatusRolledBack, entries[0].Status)
	require.Equal(t, StatusRolledBack, entries[1].Status)

	require.False(t, j.Rollback(command.New(3, command.Get()).ID))
}

func TestRender(t *testing.T) {
	var (
		j        = NewJournal()
		register = command.New(1, command.Register())
		withdraw = command.New(1, command.Withdraw(15))
	)

	j.Append(register, command.Success())
	j.Append(withdraw, command.Failure("unsufficient balance"))
	j.Rollback(withdraw.ID)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, j.Entries(), map[command.PeerID]uint64{2: 7, 1: 0}))

	var lines = strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	require.True(t, strings.HasPrefix(lines[0], "Client #1 > Register"))
	require.Contains(t, lines[0], "(ID: "+register.ID.String()+") : EXECUTED")
	require.Contains(t, lines[1], "FAILURE <unsufficient balance>")
	require.True(t, strings.HasSuffix(lines[1], ": ROLLBACKED"))
	require.Equal(t, "BALANCES", lines[2])
	require.Equal(t, "Client #1: 0", lines[3])
	require.Equal(t, "Client #2: 7", lines[4])
}
