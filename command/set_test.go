package command

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSet_Operations(t *testing.T) {
	var (
		a = New(1, Register())
		b = New(1, Deposit(10))
		c = New(2, Get())
	)

	var s = NewSet(a, b)
	require.True(t, s.Has(a))
	require.False(t, s.Has(c))

	require.True(t, s.Add(c))
	require.False(t, s.Add(c), "second insert must report a duplicate")
	require.Len(t, s, 3)

	var diff = s.Difference(NewSet(b))
	require.Len(t, diff, 2)
	require.False(t, diff.Has(b))
	require.Len(t, s, 3, "difference must not mutate its receiver")

	var union = NewSet(a).Union(NewSet(c))
	require.True(t, union.Equal(NewSet(a, c)))
	require.False(t, union.Equal(NewSet(a, b)))
}

func TestSet_Sorted(t *testing.T) {
	var (
		first  = Command{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Issuer: 9, Action: Withdraw(1)}
		second = Command{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Issuer: 1, Action: Register()}
		third  = Command{ID: uuid.MustParse("ffffffff-0000-0000-0000-000000000000"), Issuer: 0, Action: Get()}
	)

	var sorted = NewSet(third, first, second).Sorted()
	require.Equal(t, []Command{first, second, third}, sorted)
}
