package crdt

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfOrder is returned when a replica's own operations arrive with
	// a gap in their clock sequence.
	ErrOutOfOrder = errors.New("operation out of order for its replica")
	// ErrPendingOverflow is returned when too many operations are waiting
	// for missing causal dependencies.
	ErrPendingOverflow = errors.New("too many operations waiting for dependencies")
	// ErrInvalidOp is returned for structurally invalid operations.
	ErrInvalidOp = errors.New("invalid operation")
	// ErrOutOfRange is returned by local edits addressing a position outside
	// the current text.
	ErrOutOfRange = errors.New("position out of range")
)

type Kind uint8

const (
	KindInsert Kind = iota + 1
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Op is a single immutable edit. An insert places Value between Origin and
// RightOrigin as they were when the edit was made; a delete tombstones
// Target.
type Op struct {
	ID          ID
	Kind        Kind
	Origin      ID
	RightOrigin ID
	Target      ID
	Value       rune
}

// deps returns the operations that must be integrated before op.
func (op Op) deps() []ID {
	switch op.Kind {
	case KindInsert:
		return []ID{op.Origin, op.RightOrigin}
	case KindDelete:
		return []ID{op.Target}
	}
	return nil
}

func (op Op) validate() error {
	if op.ID.IsZero() {
		return fmt.Errorf("%w: zero id", ErrInvalidOp)
	}
	switch op.Kind {
	case KindInsert:
		if op.Origin == op.ID || op.RightOrigin == op.ID {
			return fmt.Errorf("%w: %v references itself", ErrInvalidOp, op.ID)
		}
	case KindDelete:
		if op.Target.IsZero() {
			return fmt.Errorf("%w: delete %v without target", ErrInvalidOp, op.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %v", ErrInvalidOp, op.Kind)
	}
	for _, dep := range op.deps() {
		if dep.Client == op.ID.Client && dep.Clock >= op.ID.Clock {
			return fmt.Errorf("%w: %v depends on later operation %v", ErrInvalidOp, op.ID, dep)
		}
	}
	return nil
}
