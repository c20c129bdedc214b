package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/stock-reservation/internal/model"
)

// MemoryStore is an in-process StockStore and ReservationStore. The mutex
// only makes each single-row compare-and-set atomic, the way a database row
// write would be; it does not serialize read-modify-write sequences, so
// callers still see version conflicts under contention.
type MemoryStore struct {
	mu           sync.Mutex
	stocks       map[uint64]model.ProductStock
	reservations map[string]model.StockReservation
	now          func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stocks:       make(map[uint64]model.ProductStock),
		reservations: make(map[string]model.StockReservation),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) GetStock(ctx context.Context, productID uint64) (model.ProductStock, error) {
	if err := ctx.Err(); err != nil {
		return model.ProductStock{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.stocks[productID]
	if !ok {
		return model.ProductStock{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) UpdateStockConditional(ctx context.Context, productID uint64, newAvailable int64, expectedVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.stocks[productID]
	if !ok {
		return ErrNotFound
	}
	if p.Version != expectedVersion {
		return ErrVersionConflict
	}
	p.Available = newAvailable
	p.Version++
	p.UpdatedAt = s.now()
	s.stocks[productID] = p
	return nil
}

func (s *MemoryStore) CreateStock(ctx context.Context, stock *model.ProductStock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stocks[stock.ProductID]; ok {
		return ErrConflict
	}
	stock.Version = 1
	stock.UpdatedAt = s.now()
	s.stocks[stock.ProductID] = *stock
	return nil
}

func (s *MemoryStore) CreateReservation(ctx context.Context, r *model.StockReservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[r.ID]; ok {
		return ErrConflict
	}
	r.Version = 1
	s.reservations[r.ID] = *r
	return nil
}

func (s *MemoryStore) GetReservation(ctx context.Context, id string) (model.StockReservation, error) {
	if err := ctx.Err(); err != nil {
		return model.StockReservation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return model.StockReservation{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) UpdateReservationConditional(ctx context.Context, r model.StockReservation, expectedVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.reservations[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	r.Version = expectedVersion + 1
	s.reservations[r.ID] = r
	return nil
}

func (s *MemoryStore) ListExpiredPending(ctx context.Context, now time.Time, afterID string, limit int) ([]model.StockReservation, error) {
	return s.list(ctx, limit, func(r model.StockReservation) bool {
		return !r.IsDeleted && r.ID > afterID && r.Status == model.ReservationPending && !r.ExpiresAt.After(now)
	})
}

func (s *MemoryStore) ListRestorePending(ctx context.Context, afterID string, limit int) ([]model.StockReservation, error) {
	return s.list(ctx, limit, func(r model.StockReservation) bool {
		return r.RestorePending && r.ID > afterID
	})
}

func (s *MemoryStore) ListByGroup(ctx context.Context, groupID string) ([]model.StockReservation, error) {
	return s.list(ctx, 0, func(r model.StockReservation) bool { return !r.IsDeleted && r.GroupID == groupID })
}

func (s *MemoryStore) ListByCustomer(ctx context.Context, customerID uint64) ([]model.StockReservation, error) {
	out, err := s.list(ctx, 0, func(r model.StockReservation) bool { return !r.IsDeleted && r.CustomerID == customerID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// list returns rows matching keep, ordered by id. limit <= 0 means no limit.
func (s *MemoryStore) list(ctx context.Context, limit int, keep func(model.StockReservation) bool) ([]model.StockReservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]model.StockReservation, 0)
	for _, r := range s.reservations {
		if keep(r) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
