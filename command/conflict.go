package command

// Conflicts reports whether applying x and y out of relative order could change the outcome.
//
// Commands of different issuers never conflict. For the same issuer:
//   - Register conflicts with everything except another Register
//   - Withdraw conflicts with everything, since it can fail on the balance
//   - deposits and balance reads commute
//
// A command never conflicts with itself.
func Conflicts(x, y Command) bool {
	if x.ID == y.ID {
		return false
	}

	if x.Issuer != y.Issuer {
		return false
	}

	return conflictsWith(x.Action, y.Action) || conflictsWith(y.Action, x.Action)
}

// conflictsWith is the one-directional relation x ~ y.
func conflictsWith(x, y Action) bool {
	switch x.Kind {
	case ActionRegister:
		return y.Kind != ActionRegister
	case ActionWithdraw:
		return true
	}
	return false
}

// AnyConflict reports whether any command in probe conflicts with any command in against.
func AnyConflict(probe, against Set) bool {
	for _, x := range probe {
		for _, y := range against {
			if Conflicts(x, y) {
				return true
			}
		}
	}
	return false
}
