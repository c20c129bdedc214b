package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/stock-reservation/internal/model"
	"github.com/iliyamo/stock-reservation/internal/queue"
	"github.com/iliyamo/stock-reservation/internal/repository"
	"github.com/iliyamo/stock-reservation/internal/retry"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.ReservationEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.ReservationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type retryRecorder struct {
	mu        sync.Mutex
	retries   int
	exhausted int
}

func (r *retryRecorder) RetryScheduled(string, int, time.Duration, error) {
	r.mu.Lock()
	r.retries++
	r.mu.Unlock()
}

func (r *retryRecorder) RetriesExhausted(string, int, error) {
	r.mu.Lock()
	r.exhausted++
	r.mu.Unlock()
}

// conflictingStocks fails the first n conditional stock writes with a
// version conflict, or all of them when n < 0.
type conflictingStocks struct {
	repository.StockStore
	mu sync.Mutex
	n  int
}

func (s *conflictingStocks) UpdateStockConditional(ctx context.Context, productID uint64, newAvailable int64, expectedVersion uint64) error {
	s.mu.Lock()
	if s.n != 0 {
		if s.n > 0 {
			s.n--
		}
		s.mu.Unlock()
		return repository.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.StockStore.UpdateStockConditional(ctx, productID, newAvailable, expectedVersion)
}

var errBroken = errors.New("row is broken")

// faultyReservations fails writes for selected reservation ids and, when
// failCreate is set, every insert.
type faultyReservations struct {
	repository.ReservationStore
	badIDs     map[string]bool
	failCreate bool
}

func (s *faultyReservations) CreateReservation(ctx context.Context, r *model.StockReservation) error {
	if s.failCreate {
		return errBroken
	}
	return s.ReservationStore.CreateReservation(ctx, r)
}

func (s *faultyReservations) UpdateReservationConditional(ctx context.Context, r model.StockReservation, expectedVersion uint64) error {
	if s.badIDs[r.ID] {
		return errBroken
	}
	return s.ReservationStore.UpdateReservationConditional(ctx, r, expectedVersion)
}

type fixture struct {
	store  *repository.MemoryStore
	clock  *clock
	events *recordingPublisher
	retrys *retryRecorder
	deps   Deps
	ledger *Ledger
	coord  *Coordinator
}

// newFixture seeds one active product per entry of stock.
func newFixture(t *testing.T, stock map[uint64]int64) *fixture {
	t.Helper()
	f := &fixture{
		store:  repository.NewMemoryStore(),
		clock:  &clock{now: t0},
		events: &recordingPublisher{},
		retrys: &retryRecorder{},
	}
	for id, n := range stock {
		require.NoError(t, f.store.CreateStock(context.Background(), &model.ProductStock{ProductID: id, SKU: "SKU", Available: n, IsActive: true}))
	}
	f.deps = Deps{
		Stocks:       f.store,
		Reservations: f.store,
		Retry:        retry.New(retry.Config{MaxRetries: 3, BaseDelay: time.Microsecond, MaxJitter: -1}, repository.IsVersionConflict, f.retrys),
		Events:       f.events,
		Log:          zerolog.Nop(),
		Now:          f.clock.Now,
	}
	f.rebuild()
	return f
}

// rebuild recreates the ledger and coordinator after deps were changed.
func (f *fixture) rebuild() {
	f.ledger = NewLedger(f.deps)
	f.coord = NewCoordinator(f.deps, f.ledger, CoordinatorConfig{Window: time.Minute, MaxWindow: time.Hour})
}

func (f *fixture) available(t *testing.T, productID uint64) int64 {
	t.Helper()
	s, err := f.store.GetStock(context.Background(), productID)
	require.NoError(t, err)
	return s.Available
}

// seedPending inserts a PENDING row directly and takes its quantity from stock.
func (f *fixture) seedPending(t *testing.T, id string, productID uint64, qty int64, window time.Duration) {
	t.Helper()
	ctx := context.Background()
	s, err := f.store.GetStock(ctx, productID)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateStockConditional(ctx, productID, s.Available-qty, s.Version))
	r := model.NewStockReservation(id, "g-"+id, productID, 1, qty, f.clock.Now(), window)
	require.NoError(t, f.store.CreateReservation(ctx, &r))
}

func items(pairs ...int64) []model.ReservationItem {
	out := make([]model.ReservationItem, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, model.ReservationItem{ProductID: uint64(pairs[i]), Quantity: pairs[i+1]})
	}
	return out
}
