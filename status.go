package saga

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle status of a saga, or of a single state snapshot.
type Status int

const (
	StatusNotStarted Status = iota
	StatusRunning
	StatusSucceeded
	StatusTerminal
	StatusTerminalFatal
)

// String returns the string representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusRunning:
		return "RUNNING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusTerminal:
		return "TERMINAL"
	case StatusTerminalFatal:
		return "TERMINAL_FATAL"
	default:
		return fmt.Sprintf("Unknown Status: %d", s)
	}
}

// ParseStatus converts the string form produced by String back into a Status.
func ParseStatus(str string) (Status, error) {
	switch str {
	case "NOT_STARTED":
		return StatusNotStarted, nil
	case "RUNNING":
		return StatusRunning, nil
	case "SUCCEEDED":
		return StatusSucceeded, nil
	case "TERMINAL":
		return StatusTerminal, nil
	case "TERMINAL_FATAL":
		return StatusTerminalFatal, nil
	default:
		return StatusNotStarted, fmt.Errorf("invalid Status: %s", str)
	}
}

// MarshalJSON implements the json.Marshaler interface for Status.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Direction is the direction a saga is travelling. Only DirectionForward is
// executed today; DirectionBackward is reserved for compensating flows.
type Direction int

const (
	DirectionForward Direction = iota
	DirectionBackward
)

func (d Direction) String() string {
	switch d {
	case DirectionForward:
		return "FORWARD"
	case DirectionBackward:
		return "BACKWARD"
	default:
		return fmt.Sprintf("Unknown Direction: %d", d)
	}
}

// MarshalJSON implements the json.Marshaler interface for Direction.
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Direction.
func (d *Direction) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "FORWARD":
		*d = DirectionForward
	case "BACKWARD":
		*d = DirectionBackward
	default:
		return fmt.Errorf("invalid Direction: %s", str)
	}
	return nil
}
