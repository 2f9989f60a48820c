package workflow

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type status string

const (
	draft     status = "draft"
	pending   status = "pending"
	completed status = "completed"
	cancelled status = "cancelled"
)

func testMachine() *Machine[status] {
	return NewMachine("transfer", map[status][]status{
		draft:   {pending, cancelled},
		pending: {completed, cancelled},
	})
}

func TestMachineTransitions(t *testing.T) {
	m := testMachine()
	require.NoError(t, m.Transition(draft, pending))
	require.NoError(t, m.Transition(pending, completed))
	require.NoError(t, m.Transition(draft, cancelled))

	err := m.Transition(draft, completed)
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "draft", te.From)
	require.Equal(t, "completed", te.To)
	require.Equal(t, "transfer cannot move from draft to completed", err.Error())
}

func TestMachineTerminalStates(t *testing.T) {
	m := testMachine()
	for _, s := range []status{completed, cancelled} {
		require.True(t, m.IsTerminal(s))
		for _, target := range []status{draft, pending, completed, cancelled} {
			require.ErrorIs(t, m.Transition(s, target), ErrInvalidTransition)
		}
	}
	require.False(t, m.IsTerminal(draft))
	require.True(t, m.Known(cancelled))
	require.False(t, m.Known("archived"))
}

func TestErrorMatching(t *testing.T) {
	require.ErrorIs(t, Invalid("items", "must not be empty"), ErrValidation)
	require.Equal(t, "validation failed: items must not be empty", Invalid("items", "must not be empty").Error())

	short := &IncompleteReceiptError{Shortages: []Shortage{{ItemID: 2, Expected: decimal.NewFromInt(5), Received: decimal.NewFromInt(3), Short: decimal.NewFromInt(2)}}}
	require.ErrorIs(t, short, ErrIncompleteReceipt)
	require.NotErrorIs(t, short, ErrValidation)
	require.Contains(t, short.Error(), "item 2 short by 2")

	require.ErrorIs(t, &ForbiddenError{Step: "submit", Required: 1, Acting: 2}, ErrForbidden)

	op := NotAllowed("transfer", "set received quantities", "draft")
	require.ErrorIs(t, op, ErrInvalidTransition)
	require.Equal(t, "transfer cannot set received quantities while draft", op.Error())
}
