// Package workflow provides the state machine and error types shared by the
// line-item document workflows.
package workflow

// Machine validates status changes against a fixed transition table.
type Machine[S ~string] struct {
	name  string
	table map[S][]S
}

// NewMachine builds a Machine. States absent from table, or mapped to no
// targets, are terminal.
func NewMachine[S ~string](name string, table map[S][]S) *Machine[S] {
	return &Machine[S]{name: name, table: table}
}

// Name identifies the workflow in error messages and metrics.
func (m *Machine[S]) Name() string { return m.name }

// Can reports whether from may move to to.
func (m *Machine[S]) Can(from, to S) bool {
	for _, target := range m.table[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition returns a *TransitionError when from may not move to to.
func (m *Machine[S]) Transition(from, to S) error {
	if m.Can(from, to) {
		return nil
	}
	return &TransitionError{Workflow: m.name, From: string(from), To: string(to)}
}

// IsTerminal reports whether no transition leaves s.
func (m *Machine[S]) IsTerminal(s S) bool {
	return len(m.table[s]) == 0
}

// Known reports whether s appears in the table, either as a source or a target.
func (m *Machine[S]) Known(s S) bool {
	if _, ok := m.table[s]; ok {
		return true
	}
	for _, targets := range m.table {
		for _, t := range targets {
			if t == s {
				return true
			}
		}
	}
	return false
}
