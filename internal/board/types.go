package board

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBoard is returned by Load when the session can see no boards.
	ErrNoBoard = errors.New("no board available")

	// ErrInvalidDrag is returned when a drag does not match the current state.
	ErrInvalidDrag = errors.New("invalid drag")

	// ErrMutationPending is returned when a card already has a move in flight.
	ErrMutationPending = errors.New("card has a pending move")
)

// Board is the board being displayed.
type Board struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Column holds the ordered card ids shown in one column.
type Column struct {
	ID      int64   `json:"id"`
	BoardID int64   `json:"board_id"`
	Name    string  `json:"name"`
	Order   int     `json:"order"`
	CardIDs []int64 `json:"card_ids"`
}

// Card is one card. Order is the last position the backend acknowledged.
type Card struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ColumnID    int64  `json:"column_id"`
	Order       int    `json:"order"`
}

// Location is a position inside a column.
type Location struct {
	ColumnID int64 `json:"column_id"`
	Index    int   `json:"index"`
}

func (l Location) String() string {
	return fmt.Sprintf("%d:%d", l.ColumnID, l.Index)
}

// DragResult describes a finished drag gesture. Destination is nil when the
// card was dropped outside any column.
type DragResult struct {
	CardID      int64     `json:"card_id"`
	Source      Location  `json:"source"`
	Destination *Location `json:"destination,omitempty"`
}

// MutationState is the lifecycle of one optimistic move.
type MutationState string

const (
	// MutationPending means the move is applied locally and the backend has not answered
	MutationPending MutationState = "pending"

	// MutationCommitted means the backend accepted the move
	MutationCommitted MutationState = "committed"

	// MutationRolledBack means the backend rejected the move and local state was restored
	MutationRolledBack MutationState = "rolled_back"
)

// Validate checks if the mutation state is one of the defined values.
func (s MutationState) Validate() error {
	switch s {
	case MutationPending, MutationCommitted, MutationRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid mutation state: %s", s)
	}
}

// Mutation is one optimistic card move, identified by ID.
type Mutation struct {
	ID          string        `json:"id"`
	CardID      int64         `json:"card_id"`
	Source      Location      `json:"source"`
	Destination Location      `json:"destination"`
	State       MutationState `json:"state"`
	Err         error         `json:"-"`

	snapshot   map[int64][]int64
	versions   map[int64]uint64
	generation uint64
}

// RollbackError is returned when a move was rejected and undone.
type RollbackError struct {
	MutationID string
	CardID     int64
	Err        error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("failed to move card %d, change reverted: %v", e.CardID, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}
