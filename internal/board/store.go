package board

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/opsconsole/console/internal/backend"
	"golang.org/x/sync/errgroup"
)

// Source loads board state from the backend.
type Source interface {
	ListBoards(ctx context.Context) ([]backend.BoardRecord, error)
	ListColumns(ctx context.Context, boardID int64) ([]backend.ColumnRecord, error)
	ListCards(ctx context.Context, columnID int64) ([]backend.CardRecord, error)
}

// Updater persists a card move.
type Updater interface {
	UpdateCard(ctx context.Context, cardID int64, update backend.CardUpdate) (*backend.CardRecord, error)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store holds the normalized board and runs optimistic moves against it.
// Every card id is in exactly one column's CardIDs at all times.
type Store struct {
	updater Updater
	logger  *log.Logger

	mu         sync.RWMutex
	board      *Board
	columns    map[int64]*Column
	cards      map[int64]*Card
	versions   map[int64]uint64
	pending    map[int64]*Mutation
	generation uint64
}

// New creates an empty store that persists moves through updater.
func New(updater Updater, opts ...Option) *Store {
	s := &Store{
		updater:  updater,
		logger:   log.Default(),
		columns:  make(map[int64]*Column),
		cards:    make(map[int64]*Card),
		versions: make(map[int64]uint64),
		pending:  make(map[int64]*Mutation),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load fetches the first board visible to the session.
func (s *Store) Load(ctx context.Context, src Source) error {
	return s.load(ctx, src, nil)
}

// LoadBoard fetches a specific board.
func (s *Store) LoadBoard(ctx context.Context, src Source, boardID int64) error {
	return s.load(ctx, src, &boardID)
}

func (s *Store) load(ctx context.Context, src Source, boardID *int64) error {
	boards, err := src.ListBoards(ctx)
	if err != nil {
		return fmt.Errorf("failed to list boards: %w", err)
	}
	if len(boards) == 0 {
		return ErrNoBoard
	}

	picked := boards[0]
	if boardID != nil {
		found := false
		for _, b := range boards {
			if b.ID == *boardID {
				picked, found = b, true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: board %d", ErrNoBoard, *boardID)
		}
	}

	cols, err := src.ListColumns(ctx, picked.ID)
	if err != nil {
		return fmt.Errorf("failed to list columns of board %d: %w", picked.ID, err)
	}

	// Fetch every column's cards concurrently
	cardsByColumn := make([][]backend.CardRecord, len(cols))
	g, gctx := errgroup.WithContext(ctx)
	for i, col := range cols {
		g.Go(func() error {
			cards, err := src.ListCards(gctx, col.ID)
			if err != nil {
				return fmt.Errorf("failed to list cards of column %d: %w", col.ID, err)
			}
			cardsByColumn[i] = cards
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	columns := make(map[int64]*Column, len(cols))
	cards := make(map[int64]*Card)
	for i, rec := range cols {
		col := &Column{ID: rec.ID, BoardID: picked.ID, Name: rec.Name, Order: rec.Order}

		recs := cardsByColumn[i]
		sort.SliceStable(recs, func(a, b int) bool {
			if recs[a].Order != recs[b].Order {
				return recs[a].Order < recs[b].Order
			}
			return recs[a].ID < recs[b].ID
		})

		for _, cr := range recs {
			if _, dup := cards[cr.ID]; dup {
				s.logger.Printf("[WARN] [Board] Card %d listed in more than one column, keeping first", cr.ID)
				continue
			}
			card := &Card{ID: cr.ID, Title: cr.Title, ColumnID: col.ID, Order: cr.Order}
			if cr.Description != nil {
				card.Description = *cr.Description
			}
			cards[cr.ID] = card
			col.CardIDs = append(col.CardIDs, cr.ID)
		}
		columns[col.ID] = col
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.board = &Board{ID: picked.ID, Name: picked.Name}
	s.columns = columns
	s.cards = cards
	s.versions = make(map[int64]uint64, len(columns))
	s.pending = make(map[int64]*Mutation)
	s.generation++

	s.logger.Printf("[INFO] [Board] Loaded board %d (%s): %d columns, %d cards", picked.ID, picked.Name, len(columns), len(cards))
	return nil
}

// Begin validates a drag, snapshots the involved columns and applies the
// move locally. It returns a nil mutation for drags that change nothing.
func (s *Store) Begin(drag DragResult) (*Mutation, error) {
	if drag.Destination == nil || *drag.Destination == drag.Source {
		return nil, nil
	}
	dst := *drag.Destination

	s.mu.Lock()
	defer s.mu.Unlock()

	srcCol, ok := s.columns[drag.Source.ColumnID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown source column %d", ErrInvalidDrag, drag.Source.ColumnID)
	}
	dstCol, ok := s.columns[dst.ColumnID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown destination column %d", ErrInvalidDrag, dst.ColumnID)
	}
	if drag.Source.Index < 0 || drag.Source.Index >= len(srcCol.CardIDs) || srcCol.CardIDs[drag.Source.Index] != drag.CardID {
		return nil, fmt.Errorf("%w: card %d is not at %s", ErrInvalidDrag, drag.CardID, drag.Source)
	}
	if dst.Index < 0 {
		return nil, fmt.Errorf("%w: negative destination index %d", ErrInvalidDrag, dst.Index)
	}
	if _, busy := s.pending[drag.CardID]; busy {
		return nil, fmt.Errorf("%w: card %d", ErrMutationPending, drag.CardID)
	}

	m := &Mutation{
		ID:         uuid.New().String(),
		CardID:     drag.CardID,
		Source:     drag.Source,
		State:      MutationPending,
		snapshot:   make(map[int64][]int64, 2),
		versions:   make(map[int64]uint64, 2),
		generation: s.generation,
	}
	m.snapshot[srcCol.ID] = append([]int64(nil), srcCol.CardIDs...)
	m.snapshot[dstCol.ID] = append([]int64(nil), dstCol.CardIDs...)

	// Remove first, then insert, so no reader sees the card twice
	srcCol.CardIDs = removeAt(srcCol.CardIDs, drag.Source.Index)
	if dst.Index > len(dstCol.CardIDs) {
		dst.Index = len(dstCol.CardIDs)
	}
	dstCol.CardIDs = insertAt(dstCol.CardIDs, dst.Index, drag.CardID)
	if card, ok := s.cards[drag.CardID]; ok {
		card.ColumnID = dstCol.ID
	}
	m.Destination = dst

	s.touchLocked(srcCol.ID, dstCol.ID)
	for colID := range m.snapshot {
		m.versions[colID] = s.versions[colID]
	}
	s.pending[drag.CardID] = m
	return m, nil
}

// Resolve sends the move to the backend. On success the mutation is
// committed; on failure the local change is reverted and a *RollbackError
// is returned.
func (s *Store) Resolve(ctx context.Context, m *Mutation) error {
	update := backend.CardUpdate{ColumnID: m.Destination.ColumnID, Order: m.Destination.Index}
	_, err := s.updater.UpdateCard(ctx, m.CardID, update)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending[m.CardID] == m {
		delete(s.pending, m.CardID)
	}

	if err == nil {
		m.State = MutationCommitted
		if card, ok := s.cards[m.CardID]; ok && m.generation == s.generation {
			card.Order = m.Destination.Index
		}
		return nil
	}

	m.State = MutationRolledBack
	m.Err = err
	if m.generation == s.generation {
		s.rollbackLocked(m)
	}
	s.logger.Printf("[WARN] [Board] Move %s of card %d rolled back: %v", m.ID, m.CardID, err)
	return &RollbackError{MutationID: m.ID, CardID: m.CardID, Err: err}
}

// Move runs Begin and Resolve. The returned mutation is nil for no-op drags.
func (s *Store) Move(ctx context.Context, drag DragResult) (*Mutation, error) {
	m, err := s.Begin(drag)
	if err != nil || m == nil {
		return nil, err
	}
	return m, s.Resolve(ctx, m)
}

// rollbackLocked undoes m. When no other change touched the snapshotted
// columns since m was applied, they are replaced wholesale; otherwise only
// m's card is moved back so later changes survive.
func (s *Store) rollbackLocked(m *Mutation) {
	untouched := true
	for colID, v := range m.versions {
		if s.versions[colID] != v {
			untouched = false
			break
		}
	}

	if untouched {
		for colID, ids := range m.snapshot {
			if col, ok := s.columns[colID]; ok {
				col.CardIDs = append([]int64(nil), ids...)
				s.touchLocked(colID)
			}
		}
	} else {
		for _, col := range s.columns {
			for i, id := range col.CardIDs {
				if id == m.CardID {
					col.CardIDs = removeAt(col.CardIDs, i)
					s.touchLocked(col.ID)
					break
				}
			}
		}
		if col, ok := s.columns[m.Source.ColumnID]; ok {
			idx := m.Source.Index
			if idx > len(col.CardIDs) {
				idx = len(col.CardIDs)
			}
			col.CardIDs = insertAt(col.CardIDs, idx, m.CardID)
			s.touchLocked(col.ID)
		}
	}

	if card, ok := s.cards[m.CardID]; ok {
		card.ColumnID = m.Source.ColumnID
	}
}

func (s *Store) touchLocked(columnIDs ...int64) {
	for _, id := range columnIDs {
		s.versions[id]++
	}
}

// Board returns the loaded board.
func (s *Store) Board() (Board, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.board == nil {
		return Board{}, false
	}
	return *s.board, true
}

// Columns returns copies of every column ordered by Order, then id.
func (s *Store) Columns() []Column {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Column, 0, len(s.columns))
	for _, col := range s.columns {
		c := *col
		c.CardIDs = append([]int64(nil), col.CardIDs...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Column returns a copy of one column.
func (s *Store) Column(columnID int64) (Column, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.columns[columnID]
	if !ok {
		return Column{}, false
	}
	c := *col
	c.CardIDs = append([]int64(nil), col.CardIDs...)
	return c, true
}

// Card returns a copy of one card.
func (s *Store) Card(cardID int64) (Card, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	card, ok := s.cards[cardID]
	if !ok {
		return Card{}, false
	}
	return *card, true
}

// Cards returns the cards of a column in display order.
func (s *Store) Cards(columnID int64) []Card {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.columns[columnID]
	if !ok {
		return nil
	}
	out := make([]Card, 0, len(col.CardIDs))
	for _, id := range col.CardIDs {
		if card, ok := s.cards[id]; ok {
			out = append(out, *card)
		}
	}
	return out
}

// Locate returns the current position of a card.
func (s *Store) Locate(cardID int64) (Location, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, col := range s.columns {
		for i, id := range col.CardIDs {
			if id == cardID {
				return Location{ColumnID: col.ID, Index: i}, true
			}
		}
	}
	return Location{}, false
}

// Pending returns the mutations still waiting for the backend.
func (s *Store) Pending() []Mutation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Mutation, 0, len(s.pending))
	for _, m := range s.pending {
		out = append(out, Mutation{ID: m.ID, CardID: m.CardID, Source: m.Source, Destination: m.Destination, State: m.State})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CardID < out[j].CardID })
	return out
}

// Validate checks that every card appears in exactly one column and every
// listed id has a card.
func (s *Store) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]int64, len(s.cards))
	for _, col := range s.columns {
		for _, id := range col.CardIDs {
			if other, dup := seen[id]; dup {
				return fmt.Errorf("card %d appears in columns %d and %d", id, other, col.ID)
			}
			seen[id] = col.ID
			if _, ok := s.cards[id]; !ok {
				return fmt.Errorf("column %d lists unknown card %d", col.ID, id)
			}
		}
	}
	if len(seen) != len(s.cards) {
		return fmt.Errorf("%d cards are not in any column", len(s.cards)-len(seen))
	}
	return nil
}

func removeAt(ids []int64, i int) []int64 {
	out := make([]int64, 0, len(ids)-1)
	out = append(out, ids[:i]...)
	return append(out, ids[i+1:]...)
}

func insertAt(ids []int64, i int, id int64) []int64 {
	out := make([]int64, 0, len(ids)+1)
	out = append(out, ids[:i]...)
	out = append(out, id)
	return append(out, ids[i:]...)
}
