package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAction_Inverse(t *testing.T) {
	require.Equal(t, Withdraw(10), Deposit(10).Inverse())
	require.Equal(t, Deposit(7), Withdraw(7).Inverse())
	require.Equal(t, Get(), Get().Inverse())
}

func TestAction_JSON(t *testing.T) {
	var a Action
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"Deposit","amount":10}`), &a))
	require.Equal(t, Deposit(10), a)

	require.Error(t, json.Unmarshal([]byte(`{"kind":"transfer"}`), &a))
}

func TestResult_String(t *testing.T) {
	require.Contains(t, SuccessWith(10).String(), "SUCCESS <DATA: 10>")
	require.Contains(t, Success().String(), "SUCCESS")
	require.Contains(t, Failure("Unsufficient balance").String(), "FAILURE <Unsufficient balance>")
}
