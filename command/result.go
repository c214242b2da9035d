package command

import "fmt"

// Result is the outcome of executing a command. It is a comparable value,
// so acknowledgements carrying the same result can be matched with ==.
type Result struct {
	OK        bool   `json:"ok"`
	HasAmount bool   `json:"has_amount,omitempty"`
	Amount    uint64 `json:"amount,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func Success() Result {
	return Result{OK: true}
}

func SuccessWith(amount uint64) Result {
	return Result{OK: true, HasAmount: true, Amount: amount}
}

func Failure(reason string) Result {
	return Result{Reason: reason}
}

func (r Result) String() string {
	var str string
	switch {
	case r.OK && r.HasAmount:
		str = fmt.Sprintf("SUCCESS <DATA: %d>", r.Amount)
	case r.OK:
		str = "SUCCESS"
	default:
		str = fmt.Sprintf("FAILURE <%s>", r.Reason)
	}
	return fmt.Sprintf("%-32.32s", str)
}
