package command

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConflicts(t *testing.T) {
	var tt = []struct {
		name     string
		x        Action
		y        Action
		expected bool
	}{
		{name: "register register", x: Register(), y: Register(), expected: false},
		{name: "register get", x: Register(), y: Get(), expected: true},
		{name: "get register", x: Get(), y: Register(), expected: true},
		{name: "register deposit", x: Register(), y: Deposit(10), expected: true},
		{name: "deposit register", x: Deposit(10), y: Register(), expected: true},
		{name: "register withdraw", x: Register(), y: Withdraw(1), expected: true},
		{name: "withdraw get", x: Withdraw(1), y: Get(), expected: true},
		{name: "get withdraw", x: Get(), y: Withdraw(1), expected: true},
		{name: "withdraw withdraw", x: Withdraw(1), y: Withdraw(2), expected: true},
		{name: "deposit withdraw", x: Deposit(10), y: Withdraw(15), expected: true},
		{name: "deposit deposit", x: Deposit(1), y: Deposit(2), expected: false},
		{name: "deposit get", x: Deposit(1), y: Get(), expected: false},
		{name: "get get", x: Get(), y: Get(), expected: false},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var x, y = New(1, tc.x), New(1, tc.y)

			require.Equal(t, tc.expected, Conflicts(x, y))
			require.Equal(t, tc.expected, Conflicts(y, x), "relation must be symmetric")
		})
	}
}

func TestConflicts_DifferentIssuers(t *testing.T) {
	var actions = []Action{Register(), Get(), Deposit(3), Withdraw(3)}

	for _, a := range actions {
		for _, b := range actions {
			require.False(t, Conflicts(New(1, a), New(2, b)), "%s vs %s", a, b)
		}
	}
}

func TestConflicts_Self(t *testing.T) {
	var withdraw = New(1, Withdraw(5))
	require.False(t, Conflicts(withdraw, withdraw))

	var register = New(1, Register())
	require.False(t, Conflicts(register, register))
}

func TestAnyConflict(t *testing.T) {
	var (
		register = New(1, Register())
		deposit  = New(1, Deposit(10))
		other    = New(2, Withdraw(10))
	)

	require.False(t, AnyConflict(NewSet(deposit), NewSet(deposit, other)))
	require.True(t, AnyConflict(NewSet(deposit), NewSet(register, deposit)))
	require.False(t, AnyConflict(NewSet(), NewSet(register, deposit)))
	require.False(t, AnyConflict(NewSet(register), NewSet()))
}
