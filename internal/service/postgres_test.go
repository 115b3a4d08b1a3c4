package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/discount"
	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/internal/inventory"
	"github.com/amirriazizadeh/kastomy-shop/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// pgFixture runs the services against a real Postgres so row locks are exercised.
type pgFixture struct {
	repo   *repository.Repository
	db     *sql.DB
	gw     *fakeGateway
	ledger *inventory.Ledger
	carts  *CartService
	orch   *Orchestrator
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	creds := &repository.Credentials{
		Host:              host,
		Port:              port.Int(),
		User:              "testuser",
		Password:          "testpass",
		DBName:            "testdb",
		MigrationsDirPath: "../repository/migrations",
	}
	repo, err := repository.NewRepository(creds)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.RunMigrations(creds))

	db, err := sql.Open("postgres", creds.DSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gw := newFakeGateway()
	ledger := inventory.NewLedger()
	engine := discount.NewEngine()
	log := zap.NewNop()
	return &pgFixture{
		repo:   repo,
		db:     db,
		gw:     gw,
		ledger: ledger,
		carts:  NewCartService(repo, engine, CartConfig{}, log),
		orch:   NewOrchestrator(repo, ledger, engine, gw, "https://shop.test/payments/verify", nil, log),
	}
}

// reconciler returns a Reconciler of its own, so callbacks only meet at the database.
func (f *pgFixture) reconciler() *Reconciler {
	return NewReconciler(f.repo, f.ledger, f.gw, nil, zap.NewNop())
}

func (f *pgFixture) offering(t *testing.T, price string, stock int) int64 {
	t.Helper()
	var id int64
	err := f.db.QueryRow(
		`INSERT INTO offerings (product_id, store_id, price, stock) VALUES (1, 1, $1, $2) RETURNING id`,
		price, stock,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func (f *pgFixture) address(t *testing.T, userID int64) int64 {
	t.Helper()
	var id int64
	err := f.db.QueryRow(
		`INSERT INTO addresses (user_id, line, city, postal_code) VALUES ($1, '1 Main St', 'Tehran', '12345') RETURNING id`,
		userID,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func (f *pgFixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(query, args...).Scan(&n))
	return n
}

func (f *pgFixture) stock(t *testing.T, offeringID int64) int {
	return f.count(t, `SELECT stock FROM offerings WHERE id = $1`, offeringID)
}

func (f *pgFixture) pendingOrder(t *testing.T, userID int64, stock, qty int) (int64, *CheckoutResult) {
	t.Helper()
	ctx := context.Background()
	offering := f.offering(t, "100.00", stock)
	_, err := f.carts.AddItem(ctx, userID, offering, qty)
	require.NoError(t, err)
	res, err := f.orch.Checkout(ctx, CheckoutRequest{UserID: userID, AddressID: f.address(t, userID)})
	require.NoError(t, err)
	return offering, res
}

func TestPostgres_ConcurrentCallbacksSettleOnce(t *testing.T) {
	f := newPGFixture(t)
	offering, res := f.pendingOrder(t, 1, 5, 2)
	authority := *res.Payment.Authority
	require.Equal(t, 3, f.stock(t, offering))

	const callers = 6
	var (
		wg      sync.WaitGroup
		settled atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		rec := f.reconciler()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out, err := rec.HandleCallback(context.Background(), authority, ProviderStatusOK)
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, out.Succeeded())
			if !out.Repeated {
				settled.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, settled.Load())
	assert.Equal(t, 3, f.stock(t, offering))
	assert.Equal(t, 1, f.count(t, `SELECT count(*) FROM outbox_events WHERE aggregate_id = $1`, res.Order.ID.String()))
	assert.Equal(t, 0, f.count(t, `SELECT count(*) FROM cart_items WHERE cart_id = $1`, res.Order.CartID))

	order, err := f.orch.GetOrder(context.Background(), 1, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
}

func TestPostgres_ConcurrentOKAndNOKPickOneOutcome(t *testing.T) {
	f := newPGFixture(t)
	offering, res := f.pendingOrder(t, 1, 5, 2)
	authority := *res.Payment.Authority

	var wg sync.WaitGroup
	for _, status := range []string{ProviderStatusOK, "NOK", ProviderStatusOK, "NOK"} {
		rec := f.reconciler()
		wg.Add(1)
		go func(status string) {
			defer wg.Done()
			_, err := rec.HandleCallback(context.Background(), authority, status)
			assert.NoError(t, err)
		}(status)
	}
	wg.Wait()

	order, err := f.orch.GetOrder(context.Background(), 1, res.Order.ID)
	require.NoError(t, err)
	events := f.count(t, `SELECT count(*) FROM outbox_events WHERE aggregate_id = $1`, res.Order.ID.String())
	switch order.Status {
	case domain.OrderStatusProcessing:
		assert.Equal(t, 3, f.stock(t, offering))
		assert.Equal(t, 1, events)
	case domain.OrderStatusFailed:
		assert.Equal(t, 5, f.stock(t, offering))
		assert.Equal(t, 0, events)
	default:
		t.Fatalf("order left in %s", order.Status)
	}
}

func TestPostgres_CheckoutIsAllOrNothing(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	plenty := f.offering(t, "10.00", 10)
	scarce := f.offering(t, "20.00", 3)
	_, err := f.carts.AddItem(ctx, 1, plenty, 4)
	require.NoError(t, err)
	_, err = f.carts.AddItem(ctx, 1, scarce, 3)
	require.NoError(t, err)
	_, err = f.db.Exec(`UPDATE offerings SET stock = 1 WHERE id = $1`, scarce)
	require.NoError(t, err)

	res, err := f.orch.Checkout(ctx, CheckoutRequest{UserID: 1, AddressID: f.address(t, 1)})

	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Nil(t, res)
	assert.Equal(t, 10, f.stock(t, plenty))
	assert.Equal(t, 1, f.stock(t, scarce))
	assert.Equal(t, 0, f.count(t, `SELECT count(*) FROM orders WHERE customer_id = 1`))
	assert.Equal(t, 0, f.count(t, `SELECT count(*) FROM payments`))
	requests, _ := f.gw.counts()
	assert.Equal(t, 0, requests)
}

func TestPostgres_ConcurrentCheckoutsNeverOversell(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	offering := f.offering(t, "10.00", 5)

	const buyers = 6
	addresses := make([]int64, buyers)
	for i := 0; i < buyers; i++ {
		userID := int64(100 + i)
		_, err := f.carts.AddItem(ctx, userID, offering, 2)
		require.NoError(t, err)
		addresses[i] = f.address(t, userID)
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.orch.Checkout(ctx, CheckoutRequest{UserID: int64(100 + i), AddressID: addresses[i]})
			switch {
			case err == nil:
				successes.Add(1)
			case !errors.Is(err, domain.ErrInsufficientStock):
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 2, successes.Load())
	assert.Equal(t, 1, f.stock(t, offering))
	assert.Equal(t, 2, f.count(t, `SELECT count(*) FROM orders WHERE status = 'PENDING'`))
}
