package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ActionKind uint8

const (
	ActionRegister ActionKind = iota
	ActionGet
	ActionDeposit
	ActionWithdraw
)

var actionNames = map[ActionKind]string{
	ActionRegister: "register",
	ActionGet:      "get",
	ActionDeposit:  "deposit",
	ActionWithdraw: "withdraw",
}

func (k ActionKind) String() string {
	if name, ok := actionNames[k]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

// ParseActionKind is the inverse of ActionKind.String, case-insensitive.
func ParseActionKind(s string) (ActionKind, error) {
	var name = strings.ToLower(strings.TrimSpace(s))
	for kind, n := range actionNames {
		if n == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown action: %q", s)
}

// Action is a banking operation. Amount is only meaningful for deposits and withdrawals.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Amount uint64     `json:"amount,omitempty"`
}

func Register() Action { return Action{Kind: ActionRegister} }

func Get() Action { return Action{Kind: ActionGet} }

func Deposit(amount uint64) Action { return Action{Kind: ActionDeposit, Amount: amount} }

func Withdraw(amount uint64) Action { return Action{Kind: ActionWithdraw, Amount: amount} }

// Inverse returns the action undoing a successful execution of a.
// Get has no effect, so its inverse is itself.
func (a Action) Inverse() Action {
	switch a.Kind {
	case ActionDeposit:
		return Withdraw(a.Amount)
	case ActionWithdraw:
		return Deposit(a.Amount)
	}
	return a
}

func (a Action) String() string {
	var str string
	switch a.Kind {
	case ActionRegister:
		str = "Register"
	case ActionGet:
		str = "Get balance"
	case ActionDeposit:
		str = fmt.Sprintf("Deposit %5d", a.Amount)
	case ActionWithdraw:
		str = fmt.Sprintf("Withdraw %4d", a.Amount)
	default:
		str = a.Kind.String()
	}
	return fmt.Sprintf("%-16.16s", str)
}

func (a Action) less(b Action) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Amount < b.Amount
}

func (k ActionKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *ActionKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	var kind, err = ParseActionKind(s)
	if err != nil {
		return err
	}

	*k = kind
	return nil
}
