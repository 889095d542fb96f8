package saga

import "fmt"

// nextStatus validates a saga-level status change and returns the new status.
//
// SUCCEEDED and TERMINAL_FATAL are absorbing. SUCCEEDED may be re-asserted so
// that an already finished saga can assemble its result again on resumption.
func (s Status) nextStatus(to Status) (Status, error) {
	switch s {
	case StatusNotStarted:
		if to == StatusRunning {
			return to, nil
		}
	case StatusRunning:
		switch to {
		case StatusRunning, StatusSucceeded, StatusTerminal, StatusTerminalFatal:
			return to, nil
		}
	case StatusTerminal:
		if to == StatusRunning {
			return to, nil
		}
	case StatusSucceeded:
		if to == StatusSucceeded {
			return to, nil
		}
	}

	return s, fmt.Errorf("illegal saga status transition %s -> %s", s, to)
}

// transition moves the saga to the given status, rejecting illegal changes.
func (s *Saga) transition(to Status) error {
	next, err := s.Status.nextStatus(to)
	if err != nil {
		return fmt.Errorf("saga %s: %w", s.ID, err)
	}
	s.Status = next
	return nil
}
