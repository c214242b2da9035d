package command

import (
	"encoding/json"
	"fmt"
)

// Phase tags which path of the round protocol produced a broadcast or an acknowledgement.
type Phase uint8

const (
	// PhaseACK - fast path, the round's new commands were executed speculatively
	PhaseACK Phase = iota
	// PhaseCHK - slow path, the result follows a coordinator decision
	PhaseCHK
)

func (p Phase) String() string {
	switch p {
	case PhaseACK:
		return "ACK"
	case PhaseCHK:
		return "CHK"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "ACK":
		*p = PhaseACK
	case "CHK":
		*p = PhaseCHK
	default:
		return fmt.Errorf("unknown phase: %q", s)
	}
	return nil
}
