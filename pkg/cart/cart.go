// Package cart holds a shopper's in-progress product selection.
//
// State changes go through Reduce, a pure function over (State, Action). A
// Store wraps it for one session and mirrors every change after the initial
// load into a Persister.
package cart

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// State is unique by product id and never carries prices.
type State struct {
	Items  []Item `json:"items"`
	IsOpen bool   `json:"is_open"`
}

type ActionType string

const (
	ActionAddItem        ActionType = "ADD_ITEM"
	ActionRemoveItem     ActionType = "REMOVE_ITEM"
	ActionUpdateQuantity ActionType = "UPDATE_QUANTITY"
	ActionClearCart      ActionType = "CLEAR_CART"
	ActionOpenCart       ActionType = "OPEN_CART"
	ActionCloseCart      ActionType = "CLOSE_CART"
	ActionToggleCart     ActionType = "TOGGLE_CART"
	ActionLoadCart       ActionType = "LOAD_CART"
)

type Action struct {
	Type      ActionType
	ProductID string
	Quantity  int
	Items     []Item
}

// Reduce returns the next state. The input state is never modified.
func Reduce(s State, a Action) State {
	switch a.Type {
	case ActionAddItem:
		items := cloneItems(s.Items)
		for i := range items {
			if items[i].ProductID == a.ProductID {
				items[i].Quantity++
				return State{Items: items, IsOpen: s.IsOpen}
			}
		}
		return State{Items: append(items, Item{ProductID: a.ProductID, Quantity: 1}), IsOpen: s.IsOpen}

	case ActionRemoveItem:
		return State{Items: without(s.Items, a.ProductID), IsOpen: s.IsOpen}

	case ActionUpdateQuantity:
		if a.Quantity <= 0 {
			return State{Items: without(s.Items, a.ProductID), IsOpen: s.IsOpen}
		}
		items := cloneItems(s.Items)
		for i := range items {
			if items[i].ProductID == a.ProductID {
				items[i].Quantity = a.Quantity
			}
		}
		return State{Items: items, IsOpen: s.IsOpen}

	case ActionClearCart:
		return State{Items: []Item{}, IsOpen: s.IsOpen}

	case ActionOpenCart:
		return State{Items: s.Items, IsOpen: true}
	case ActionCloseCart:
		return State{Items: s.Items, IsOpen: false}
	case ActionToggleCart:
		return State{Items: s.Items, IsOpen: !s.IsOpen}

	case ActionLoadCart:
		// duplicates in a stored snapshot collapse the same way ADD_ITEM would
		out := State{Items: []Item{}, IsOpen: s.IsOpen}
		for _, it := range a.Items {
			if it.ProductID == "" || it.Quantity <= 0 {
				continue
			}
			merged := false
			for i := range out.Items {
				if out.Items[i].ProductID == it.ProductID {
					out.Items[i].Quantity += it.Quantity
					merged = true
					break
				}
			}
			if !merged {
				out.Items = append(out.Items, it)
			}
		}
		return out
	}
	return s
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items), len(items)+1)
	copy(out, items)
	return out
}

func without(items []Item, productID string) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.ProductID != productID {
			out = append(out, it)
		}
	}
	return out
}

// Snapshot is what gets persisted. Total is a placeholder and always 0;
// totals are recomputed from fresh prices.
type Snapshot struct {
	Items []Item `json:"items"`
	Total int64  `json:"total"`
}

// Persister loads and saves snapshots. Load returns nil, nil when the session
// has nothing stored.
type Persister interface {
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	Save(ctx context.Context, sessionID string, snap Snapshot) error
}

// Store is the cart of one session.
type Store struct {
	mu        sync.Mutex
	sessionID string
	state     State
	persister Persister
	log       logrus.FieldLogger
}

func NewStore(sessionID string, p Persister, log logrus.FieldLogger) *Store {
	return &Store{
		sessionID: sessionID,
		state:     State{Items: []Item{}},
		persister: p,
		log:       log.WithField("session", sessionID),
	}
}

// Load rehydrates items from the persister. The panel always starts closed.
func (s *Store) Load(ctx context.Context) {
	snap, err := s.persister.Load(ctx, s.sessionID)
	if err != nil {
		s.log.WithError(err).Warn("[Cart] failed to load stored cart")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.IsOpen = false
	if snap != nil {
		s.state = Reduce(s.state, Action{Type: ActionLoadCart, Items: snap.Items})
	}
}

// Dispatch applies an action and mirrors the result. Persist failures are
// logged only.
func (s *Store) Dispatch(ctx context.Context, a Action) State {
	s.mu.Lock()
	s.state = Reduce(s.state, a)
	next := s.copyState()
	s.mu.Unlock()

	if err := s.persister.Save(ctx, s.sessionID, Snapshot{Items: next.Items, Total: 0}); err != nil {
		s.log.WithError(err).WithField("action", a.Type).Warn("[Cart] failed to persist cart")
	}
	return next
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyState()
}

func (s *Store) copyState() State {
	items := make([]Item, len(s.state.Items))
	copy(items, s.state.Items)
	return State{Items: items, IsOpen: s.state.IsOpen}
}

// Sessions hands out carts by session id. Each Open reads the persisted
// snapshot afresh, so nothing is held between requests and every replica sees
// the same cart.
type Sessions struct {
	persister Persister
	log       logrus.FieldLogger
}

func NewSessions(p Persister, log logrus.FieldLogger) *Sessions {
	return &Sessions{
		persister: p,
		log:       log.WithField("component", "cart"),
	}
}

// Open returns the session's cart rehydrated from the persister, with the
// panel closed.
func (s *Sessions) Open(ctx context.Context, sessionID string) *Store {
	st := NewStore(sessionID, s.persister, s.log)
	st.Load(ctx)
	return st
}
