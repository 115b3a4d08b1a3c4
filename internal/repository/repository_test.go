package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) (*Repository, func()) {
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

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)

	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	creds := &Credentials{
		Host:              host,
		Port:              port.Int(),
		User:              "testuser",
		Password:          "testpass",
		DBName:            "testdb",
		MigrationsDirPath: "./migrations",
	}

	repo, err := NewRepository(creds)
	require.NoError(t, err)

	err = repo.RunMigrations(creds)
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}

	return repo, cleanup
}

func seedOffering(t *testing.T, repo *Repository, price string, stock int) int64 {
	t.Helper()
	var id int64
	err := repo.db.QueryRow(
		`INSERT INTO offerings (product_id, store_id, price, stock) VALUES (1, 1, $1, $2) RETURNING id`,
		price, stock,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func seedAddress(t *testing.T, repo *Repository, userID int64) int64 {
	t.Helper()
	var id int64
	err := repo.db.QueryRow(
		`INSERT INTO addresses (user_id, line, city, postal_code) VALUES ($1, '1 Main St', 'Tehran', '12345') RETURNING id`,
		userID,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func seedDiscount(t *testing.T, repo *Repository, code string, expiresAt time.Time) int64 {
	t.Helper()
	var id int64
	err := repo.db.QueryRow(
		`INSERT INTO discounts (code, percent, expires_at) VALUES ($1, 10, $2) RETURNING id`,
		code, expiresAt,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func newTestCart(userID int64) *domain.Cart {
	return &domain.Cart{
		UserID:        userID,
		IsActive:      true,
		ExpiresAt:     time.Now().Add(time.Hour),
		TotalPrice:    decimal.Zero,
		TotalDiscount: decimal.Zero,
	}
}

// seedOrder creates a cart with one line and a PENDING order with its payment.
func seedOrder(t *testing.T, repo *Repository, userID int64, authority string) (*domain.Order, *domain.Payment) {
	t.Helper()
	ctx := context.Background()
	offering := seedOffering(t, repo, "25.50", 10)
	address := seedAddress(t, repo, userID)

	var order *domain.Order
	var payment *domain.Payment
	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		cart := newTestCart(userID)
		cart.IsActive = false
		if err := tx.CreateCart(ctx, cart); err != nil {
			return err
		}
		order = &domain.Order{
			ID:         uuid.New(),
			CustomerID: userID,
			AddressID:  address,
			CartID:     cart.ID,
			Status:     domain.OrderStatusPending,
			TotalPrice: decimal.RequireFromString("51.00"),
			Discount:   decimal.Zero,
			FinalPrice: decimal.RequireFromString("51.00"),
			Items: []domain.OrderItem{{
				OfferingID: offering,
				Quantity:   2,
				UnitPrice:  decimal.RequireFromString("25.50"),
				LineTotal:  decimal.RequireFromString("51.00"),
			}},
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		payment = &domain.Payment{
			OrderID:        order.ID,
			TransactionRef: uuid.NewString(),
			Amount:         order.FinalPrice,
			Status:         domain.PaymentStatusProgress,
			Gateway:        domain.GatewayZarinPal,
		}
		if authority != "" {
			payment.Authority = &authority
		}
		return tx.CreatePayment(ctx, payment)
	})
	require.NoError(t, err)
	return order, payment
}

func TestCarts_Lifecycle(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	offering := seedOffering(t, repo, "100.00", 5)

	var cartID int64
	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		cart := newTestCart(7)
		if err := tx.CreateCart(ctx, cart); err != nil {
			return err
		}
		cartID = cart.ID
		return tx.UpsertCartItem(ctx, &domain.CartItem{
			CartID:     cart.ID,
			OfferingID: offering,
			Quantity:   2,
			UnitPrice:  decimal.RequireFromString("90.00"),
			ListPrice:  decimal.RequireFromString("100.00"),
		})
	})
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateCart(ctx, newTestCart(7))
	})
	assert.ErrorIs(t, err, ErrDuplicateCart)

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		// upsert replaces the line rather than adding a second one
		return tx.UpsertCartItem(ctx, &domain.CartItem{
			CartID:     cartID,
			OfferingID: offering,
			Quantity:   3,
			UnitPrice:  decimal.RequireFromString("90.00"),
			ListPrice:  decimal.RequireFromString("100.00"),
		})
	})
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		cart, err := tx.LockActiveCart(ctx, 7)
		if err != nil {
			return err
		}
		assert.Equal(t, cartID, cart.ID)
		require.Len(t, cart.Items, 1)
		assert.Equal(t, 3, cart.Items[0].Quantity)
		assert.True(t, decimal.RequireFromString("100").Equal(cart.Items[0].ListPrice))

		n, err := tx.ClearCartItems(ctx, cart.ID)
		assert.Equal(t, int64(1), n)
		return err
	})
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.DeleteCartItem(ctx, cartID, offering)
	})
	assert.ErrorIs(t, err, domain.ErrCartItemNotFound)
}

func TestExpireCarts(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		stale := newTestCart(1)
		stale.ExpiresAt = time.Now().Add(-time.Minute)
		if err := tx.CreateCart(ctx, stale); err != nil {
			return err
		}
		return tx.CreateCart(ctx, newTestCart(2))
	})
	require.NoError(t, err)

	n, err := repo.ExpireCarts(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.GetActiveCart(ctx, 1)
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
		_, err = tx.GetActiveCart(ctx, 2)
		return err
	})
	require.NoError(t, err)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	offering := seedOffering(t, repo, "10.00", 5)
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.SetOfferingStock(ctx, offering, 1); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.GetOffering(ctx, offering)
		if err != nil {
			return err
		}
		assert.Equal(t, 5, o.Stock)
		return nil
	})
	require.NoError(t, err)
}

func TestLockOffering_SerializesStockUpdates(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	offering := seedOffering(t, repo, "10.00", 5)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
				o, err := tx.LockOffering(ctx, offering)
				if err != nil {
					return err
				}
				if o.Stock < 1 {
					return domain.ErrInsufficientStock
				}
				return tx.SetOfferingStock(ctx, offering, o.Stock-1)
			})
			if err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), successes.Load())
	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.GetOffering(ctx, offering)
		if err != nil {
			return err
		}
		assert.Equal(t, 0, o.Stock)
		return nil
	})
	require.NoError(t, err)
}

func TestGetAddress_ScopedToUser(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	address := seedAddress(t, repo, 3)

	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetAddress(ctx, 3, address); err != nil {
			return err
		}
		_, err := tx.GetAddress(ctx, 4, address)
		assert.ErrorIs(t, err, domain.ErrAddressNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestOrders_CreateGetAndUniqueCart(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	order, _ := seedOrder(t, repo, 11, "A1")

	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		got, err := tx.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, domain.OrderStatusPending, got.Status)
		assert.True(t, order.FinalPrice.Equal(got.FinalPrice))
		require.Len(t, got.Items, 1)
		assert.Equal(t, 2, got.Items[0].Quantity)

		dup := *order
		dup.ID = uuid.New()
		dup.Items = nil
		return tx.CreateOrder(ctx, &dup)
	})
	assert.ErrorIs(t, err, domain.ErrEmptyCart)

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.GetOrder(ctx, uuid.New())
		return err
	})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestListOrders_FilterAndPage(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	var first *domain.Order
	for i := 0; i < 3; i++ {
		o, _ := seedOrder(t, repo, 21, "")
		if first == nil {
			first = o
		}
	}
	seedOrder(t, repo, 22, "")

	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.UpdateOrderStatus(ctx, first.ID, domain.OrderStatusCancelled)
	})
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		page, err := tx.ListOrders(ctx, domain.OrderFilter{CustomerID: 21, Page: 1, PageSize: 2})
		if err != nil {
			return err
		}
		assert.Len(t, page, 2)
		for _, o := range page {
			assert.Len(t, o.Items, 1)
		}

		page, err = tx.ListOrders(ctx, domain.OrderFilter{CustomerID: 21, Page: 2, PageSize: 2})
		if err != nil {
			return err
		}
		assert.Len(t, page, 1)

		cancelled := domain.OrderStatusCancelled
		page, err = tx.ListOrders(ctx, domain.OrderFilter{CustomerID: 21, Status: &cancelled, PageSize: 5})
		if err != nil {
			return err
		}
		require.Len(t, page, 1)
		assert.Equal(t, first.ID, page[0].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestPayments_AuthorityLookupAndUpdate(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	order, payment := seedOrder(t, repo, 31, "AUTH-31")

	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockPaymentByAuthority(ctx, "AUTH-31")
		if err != nil {
			return err
		}
		assert.Equal(t, payment.ID, p.ID)
		assert.Equal(t, order.ID, p.OrderID)

		ref := "REF-31"
		p.Status = domain.PaymentStatusDone
		p.RefID = &ref
		return tx.UpdatePayment(ctx, p)
	})
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetPaymentByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, domain.PaymentStatusDone, p.Status)
		require.NotNil(t, p.RefID)
		assert.Equal(t, "REF-31", *p.RefID)

		list, err := tx.ListPaymentsByUser(ctx, 31)
		if err != nil {
			return err
		}
		assert.Len(t, list, 1)

		_, err = tx.GetPaymentByAuthority(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestPayments_SupersededAuthorityStillResolves(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	_, payment := seedOrder(t, repo, 32, "AUTH-32-A")

	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockPaymentByOrder(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		next := "AUTH-32-B"
		p.Authority = &next
		return tx.UpdatePayment(ctx, p)
	})
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, authority := range []string{"AUTH-32-A", "AUTH-32-B"} {
			p, err := tx.LockPaymentByAuthority(ctx, authority)
			if err != nil {
				return err
			}
			assert.Equal(t, payment.ID, p.ID)
			require.NotNil(t, p.Authority)
			assert.Equal(t, "AUTH-32-B", *p.Authority)
		}
		return nil
	})
	require.NoError(t, err)

	// An authority already issued to one payment cannot be handed to another.
	_, other := seedOrder(t, repo, 33, "")
	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockPaymentByOrder(ctx, other.OrderID)
		if err != nil {
			return err
		}
		stale := "AUTH-32-A"
		p.Authority = &stale
		return tx.UpdatePayment(ctx, p)
	})
	require.Error(t, err)
}

func TestLockPaymentByAuthority_SingleSettlementUnderConcurrency(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	_, payment := seedOrder(t, repo, 34, "AUTH-34")

	const callers = 8
	var (
		wg      sync.WaitGroup
		settled atomic.Int32
		skipped atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
				p, err := tx.LockPaymentByAuthority(ctx, "AUTH-34")
				if err != nil {
					return err
				}
				if p.Status.IsTerminal() {
					skipped.Add(1)
					return nil
				}
				if err := p.Settle(domain.PaymentStatusDone); err != nil {
					return err
				}
				// Hold the row lock long enough for the others to queue on it.
				time.Sleep(20 * time.Millisecond)
				if err := tx.UpdatePayment(ctx, p); err != nil {
					return err
				}
				settled.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, settled.Load())
	assert.EqualValues(t, callers-1, skipped.Load())

	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetPaymentByOrder(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		assert.Equal(t, domain.PaymentStatusDone, p.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestDiscountUsage_OnePerUserUnderConcurrency(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	discountID := seedDiscount(t, repo, "ONCE", time.Now().Add(time.Hour))

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
				return tx.CreateDiscountUsage(ctx, &domain.DiscountUsage{DiscountID: discountID, UserID: 41})
			})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, domain.ErrDiscountAlreadyUsed):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(4), rejected.Load())

	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		d, err := tx.GetDiscountByCode(ctx, "ONCE")
		if err != nil {
			return err
		}
		used, err := tx.HasDiscountUsage(ctx, d.ID, 41)
		assert.True(t, used)
		return err
	})
	require.NoError(t, err)
}

func TestOutbox_InsertFetchAndMark(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertOutboxEvent(ctx, &domain.OutboxEvent{
			EventID:     uuid.New(),
			AggregateID: "order-1",
			EventType:   domain.EventPaymentSucceeded,
			Payload:     []byte(`{"order_id":"order-1"}`),
		})
	})
	require.NoError(t, err)

	events, err := repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPaymentSucceeded, events[0].EventType)
	assert.JSONEq(t, `{"order_id":"order-1"}`, string(events[0].Payload))

	require.NoError(t, repo.MarkEventAsProcessed(ctx, events[0].ID))

	events, err = repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
