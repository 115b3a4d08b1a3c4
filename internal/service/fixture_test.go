package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/amirriazizadeh/kastomy-shop/internal/discount"
	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/internal/gateway"
	"github.com/amirriazizadeh/kastomy-shop/internal/inventory"
	"github.com/amirriazizadeh/kastomy-shop/internal/repository/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const startPayPrefix = "https://gateway.test/StartPay/"

type fakeGateway struct {
	mu            sync.Mutex
	requestErr    error
	verifyErr     error
	verifyOutcome gateway.VerifyOutcome
	requests      int
	verifies      int
	lastAmount    int64
	lastDesc      string
	lastMeta      gateway.Metadata
	verified      []string

	// verifyEntered and verifyRelease, when set, hold Verify open until released.
	verifyEntered chan struct{}
	verifyRelease chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{verifyOutcome: gateway.VerifyOutcome{Status: gateway.Confirmed, RefID: "REF1", Code: 100}}
}

func (g *fakeGateway) Request(_ context.Context, amount int64, description, _ string, meta gateway.Metadata) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests++
	g.lastAmount = amount
	g.lastDesc = description
	g.lastMeta = meta
	if g.requestErr != nil {
		return "", g.requestErr
	}
	return fmt.Sprintf("AUTH%d", g.requests), nil
}

func (g *fakeGateway) Verify(ctx context.Context, authority string, _ int64) (gateway.VerifyOutcome, error) {
	g.mu.Lock()
	entered, release := g.verifyEntered, g.verifyRelease
	g.mu.Unlock()
	if release != nil {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return gateway.VerifyOutcome{}, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifies++
	g.verified = append(g.verified, authority)
	if g.verifyErr != nil {
		return gateway.VerifyOutcome{}, g.verifyErr
	}
	return g.verifyOutcome, nil
}

func (g *fakeGateway) StartPayURL(authority string) string {
	return startPayPrefix + authority
}

func (g *fakeGateway) MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(10)).IntPart()
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGateway) counts() (requests, verifies int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests, g.verifies
}

type fixture struct {
	store *memory.Store
	gw    *fakeGateway
	carts *CartService
	orch  *Orchestrator
	rec   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	gw := newFakeGateway()
	ledger := inventory.NewLedger()
	engine := discount.NewEngine()
	log := zap.NewNop()

	return &fixture{
		store: store,
		gw:    gw,
		carts: NewCartService(store, engine, CartConfig{}, log),
		orch:  NewOrchestrator(store, ledger, engine, gw, "https://shop.test/payments/verify", nil, log),
		rec:   NewReconciler(store, ledger, gw, nil, log),
	}
}

func (f *fixture) offering(price string, stock int) int64 {
	return f.store.AddOffering(domain.Offering{
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
		IsActive: true,
	})
}

func (f *fixture) address(userID int64) int64 {
	return f.store.AddAddress(domain.Address{UserID: userID, Line: "1 Main St", City: "Tehran", PostalCode: "12345"})
}

func (f *fixture) addToCart(t *testing.T, userID, offeringID int64, qty int) {
	t.Helper()
	_, err := f.carts.AddItem(context.Background(), userID, offeringID, qty)
	require.NoError(t, err)
}

func (f *fixture) checkout(t *testing.T, userID, addressID int64) *CheckoutResult {
	t.Helper()
	res, err := f.orch.Checkout(context.Background(), CheckoutRequest{UserID: userID, AddressID: addressID})
	require.NoError(t, err)
	return res
}

func (f *fixture) order(t *testing.T, userID int64, id uuid.UUID) *domain.Order {
	t.Helper()
	o, err := f.orch.GetOrder(context.Background(), userID, id)
	require.NoError(t, err)
	return o
}

func (f *fixture) payment(t *testing.T, userID int64, orderID uuid.UUID) *domain.Payment {
	t.Helper()
	payments, err := f.orch.ListPayments(context.Background(), userID)
	require.NoError(t, err)
	for _, p := range payments {
		if p.OrderID == orderID {
			return p
		}
	}
	t.Fatalf("no payment for order %s", orderID)
	return nil
}
