package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-keyshop-checkout.git/internal/inventory"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/orders"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/payment"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memUnit struct {
	id, productID, secret string
	status                string
	sessionID             string
	reservedAt            time.Time
}

// fakeInventory mirrors the conditional-write semantics of the Postgres
// repo under a mutex, so races between goroutines resolve the same way
// concurrent transactions would.
type fakeInventory struct {
	mu    sync.Mutex
	units map[string]*memUnit
}

func newFakeInventory(productID string, n int) *fakeInventory {
	f := &fakeInventory{units: map[string]*memUnit{}}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("unit-%d", i+1)
		f.units[id] = &memUnit{
			id: id, productID: productID,
			secret: "SECRET-" + id,
			status: inventory.StatusAvailable,
		}
	}
	return f
}

func (f *fakeInventory) Acquire(_ context.Context, productID, holdRef string) (inventory.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.units {
		if u.productID == productID && u.status == inventory.StatusAvailable {
			u.status = inventory.StatusReserved
			u.sessionID = holdRef
			u.reservedAt = time.Now()
			return inventory.Unit{ID: u.id, ProductID: u.productID, Secret: u.secret, Status: u.status, SessionID: u.sessionID}, nil
		}
	}
	return inventory.Unit{}, inventory.ErrExhausted
}

func (f *fakeInventory) Reserve(_ context.Context, unitID, holdRef, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[unitID]
	if !ok {
		return inventory.ErrNotFound
	}
	if u.status == inventory.StatusReserved && u.sessionID == holdRef {
		u.sessionID = sessionID
		return nil
	}
	return inventory.ErrConflict
}

func (f *fakeInventory) Release(_ context.Context, unitID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[unitID]
	if !ok || u.status != inventory.StatusReserved {
		return false, nil
	}
	u.status = inventory.StatusAvailable
	u.sessionID = ""
	u.reservedAt = time.Time{}
	return true, nil
}

func (f *fakeInventory) SweepExpired(_ context.Context, productID string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	var n int64
	for _, u := range f.units {
		if u.productID == productID && u.status == inventory.StatusReserved &&
			u.reservedAt.Before(cutoff) && !strings.HasPrefix(u.sessionID, inventory.ManualSessionPrefix) {
			u.status = inventory.StatusAvailable
			u.sessionID = ""
			u.reservedAt = time.Time{}
			n++
		}
	}
	return n, nil
}

func (f *fakeInventory) statusOf(unitID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.units[unitID].status
}

func (f *fakeInventory) reservedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.units {
		if u.status == inventory.StatusReserved {
			n++
		}
	}
	return n
}

type fakeCatalog struct{ products map[string]orders.Product }

func (f *fakeCatalog) Product(_ context.Context, id string) (orders.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return orders.Product{}, orders.ErrNotFound
	}
	return p, nil
}

type fakeGateway struct {
	create func(ctx context.Context, in payment.SessionInput) (payment.Session, error)
}

func (f *fakeGateway) CreateSession(ctx context.Context, in payment.SessionInput) (payment.Session, error) {
	return f.create(ctx, in)
}

type fakeManualLedger struct {
	mu     sync.Mutex
	orders []orders.Order
}

func (f *fakeManualLedger) CreateManualPending(_ context.Context, userID, productID, sessionRef string, totalCents int) (orders.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := orders.Order{
		ID: uuid.NewString(), UserID: userID, ProductID: productID,
		Status: orders.StatusPending, PaymentMethod: orders.MethodManual,
		TotalCents: totalCents, SessionID: sessionRef,
	}
	f.orders = append(f.orders, o)
	return o, nil
}

func okGateway() (*fakeGateway, *atomic.Int64) {
	var seq atomic.Int64
	return &fakeGateway{
		create: func(_ context.Context, in payment.SessionInput) (payment.Session, error) {
			id := fmt.Sprintf("cs_%d", seq.Add(1))
			return payment.Session{
				ID:            id,
				URL:           "https://pay.example.com/" + id,
				PaymentStatus: payment.StatusUnpaid,
				AmountTotal:   in.AmountCents,
				Metadata:      in.Metadata,
			}, nil
		},
	}, &seq
}

func newService(inv *fakeInventory, cat *fakeCatalog, gw Gateway, ledger ManualLedger) *Service {
	return &Service{
		Inventory:      inv,
		Catalog:        cat,
		Gateway:        gw,
		Ledger:         ledger,
		ReservationTTL: 30 * time.Minute,
		PublicBaseURL:  "https://shop.example.com",
	}
}

func TestInitiateReservesOneUnit(t *testing.T) {
	inv := newFakeInventory("p1", 2)
	cat := &fakeCatalog{products: map[string]orders.Product{
		"p1": {ID: "p1", Title: "Game Key", PriceCents: 1999, Stock: 2, IsActive: true},
	}}
	gw, _ := okGateway()
	svc := newService(inv, cat, gw, &fakeManualLedger{})

	out, err := svc.Initiate(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.NotEmpty(t, out.SessionID)
	assert.Contains(t, out.URL, out.SessionID)
	assert.Equal(t, 1, inv.reservedCount())
}

func TestInitiateExactlyNSucceed(t *testing.T) {
	// Scenario A: stock 2 means exactly two concurrent checkouts win and
	// the third is out of stock.
	inv := newFakeInventory("p1", 2)
	cat := &fakeCatalog{products: map[string]orders.Product{
		"p1": {ID: "p1", Title: "Game Key", PriceCents: 1999, Stock: 2, IsActive: true},
	}}
	gw, _ := okGateway()
	svc := newService(inv, cat, gw, &fakeManualLedger{})

	const callers = 3
	var wg sync.WaitGroup
	var oks, exhausted atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Initiate(context.Background(), fmt.Sprintf("u%d", i), "p1")
			switch {
			case err == nil:
				oks.Add(1)
			case errors.Is(err, ErrOutOfStock):
				exhausted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(2), oks.Load())
	assert.Equal(t, int64(1), exhausted.Load())
	assert.Equal(t, 2, inv.reservedCount())

	seen := map[string]bool{}
	for _, u := range inv.units {
		if u.status == inventory.StatusReserved {
			assert.False(t, seen[u.sessionID], "two units bound to one session")
			seen[u.sessionID] = true
		}
	}
}

func TestInitiateReleasesOnGatewayError(t *testing.T) {
	inv := newFakeInventory("p1", 1)
	cat := &fakeCatalog{products: map[string]orders.Product{
		"p1": {ID: "p1", Title: "Game Key", PriceCents: 1999, Stock: 1, IsActive: true},
	}}
	gw := &fakeGateway{create: func(context.Context, payment.SessionInput) (payment.Session, error) {
		return payment.Session{}, fmt.Errorf("%w: 503", payment.ErrGateway)
	}}
	svc := newService(inv, cat, gw, &fakeManualLedger{})

	_, err := svc.Initiate(context.Background(), "u1", "p1")
	require.ErrorIs(t, err, payment.ErrGateway)
	// no leaked reservation
	assert.Equal(t, inventory.StatusAvailable, inv.statusOf("unit-1"))
}

func TestInitiateRetriesLostBind(t *testing.T) {
	inv := newFakeInventory("p1", 2)
	cat := &fakeCatalog{products: map[string]orders.Product{
		"p1": {ID: "p1", Title: "Game Key", PriceCents: 1999, Stock: 2, IsActive: true},
	}}

	// steal the first acquired unit while the gateway call is in flight,
	// forcing a bind conflict
	var stolen atomic.Bool
	gw := &fakeGateway{create: func(_ context.Context, in payment.SessionInput) (payment.Session, error) {
		if stolen.CompareAndSwap(false, true) {
			_, _ = inv.Release(context.Background(), in.Metadata.UnitID)
			_, _ = inv.Acquire(context.Background(), "p1", "hold:thief")
		}
		return payment.Session{ID: "cs_retry", URL: "https://pay.example.com/cs_retry"}, nil
	}}
	svc := newService(inv, cat, gw, &fakeManualLedger{})

	out, err := svc.Initiate(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "cs_retry", out.SessionID)
}

func TestInitiateInactiveProduct(t *testing.T) {
	inv := newFakeInventory("p1", 1)
	cat := &fakeCatalog{products: map[string]orders.Product{
		"p1": {ID: "p1", Title: "Game Key", PriceCents: 1999, Stock: 1, IsActive: false},
	}}
	gw, _ := okGateway()
	svc := newService(inv, cat, gw, &fakeManualLedger{})

	_, err := svc.Initiate(context.Background(), "u1", "p1")
	assert.ErrorIs(t, err, ErrNoProduct)

	_, err = svc.Initiate(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, ErrNoProduct)
}

func TestSweepReclaimsExpiredBeforeAcquire(t *testing.T) {
	inv := newFakeInventory("p1", 1)
	cat := &fakeCatalog{products: map[string]orders.Product{
		"p1": {ID: "p1", Title: "Game Key", PriceCents: 1999, Stock: 1, IsActive: true},
	}}
	gw, _ := okGateway()
	svc := newService(inv, cat, gw, &fakeManualLedger{})

	// stale reservation from an abandoned checkout
	inv.units["unit-1"].status = inventory.StatusReserved
	inv.units["unit-1"].sessionID = "cs_stale"
	inv.units["unit-1"].reservedAt = time.Now().Add(-time.Hour)

	out, err := svc.Initiate(context.Background(), "u2", "p1")
	require.NoError(t, err)
	assert.NotEqual(t, "cs_stale", out.SessionID)
	assert.Equal(t, out.SessionID, inv.units["unit-1"].sessionID)
}

func TestInitiateManualReservesLikeCardPath(t *testing.T) {
	inv := newFakeInventory("p1", 1)
	cat := &fakeCatalog{products: map[string]orders.Product{
		"p1": {ID: "p1", Title: "Game Key", PriceCents: 1999, Stock: 1, IsActive: true},
	}}
	gw, _ := okGateway()
	ledger := &fakeManualLedger{}
	svc := newService(inv, cat, gw, ledger)

	// two concurrent manual orders against the last unit: only one may
	// be accepted
	var wg sync.WaitGroup
	var oks, exhausted atomic.Int64
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.InitiateManual(context.Background(), fmt.Sprintf("u%d", i), "p1")
			switch {
			case err == nil:
				oks.Add(1)
			case errors.Is(err, ErrOutOfStock):
				exhausted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), oks.Load())
	assert.Equal(t, int64(1), exhausted.Load())
	require.Len(t, ledger.orders, 1)
	assert.True(t, strings.HasPrefix(ledger.orders[0].SessionID, inventory.ManualSessionPrefix))
	assert.Equal(t, ledger.orders[0].SessionID, inv.units["unit-1"].sessionID)
}

func TestManualHoldSurvivesSweep(t *testing.T) {
	inv := newFakeInventory("p1", 1)
	inv.units["unit-1"].status = inventory.StatusReserved
	inv.units["unit-1"].sessionID = inventory.ManualSessionPrefix + "abc"
	inv.units["unit-1"].reservedAt = time.Now().Add(-2 * time.Hour)

	n, err := inv.SweepExpired(context.Background(), "p1", 30*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, inventory.StatusReserved, inv.statusOf("unit-1"))
}
