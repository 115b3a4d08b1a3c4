package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/domain"
	"github.com/amirriazizadeh/kastomy-shop/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pendingOrder checks out one line of qty units from a fresh offering with the given stock.
func (f *fixture) pendingOrder(t *testing.T, userID int64, stock, qty int) (int64, *CheckoutResult) {
	t.Helper()
	offering := f.offering("100", stock)
	f.addToCart(t, userID, offering, qty)
	return offering, f.checkout(t, userID, f.address(userID))
}

func TestHandleCallback_Success(t *testing.T) {
	f := newFixture(t)
	offering, res := f.pendingOrder(t, 1, 5, 2)
	require.Equal(t, 1, f.store.CartItemCount(res.Order.CartID))

	out, err := f.rec.HandleCallback(context.Background(), *res.Payment.Authority, ProviderStatusOK)

	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.False(t, out.Repeated)
	assert.Equal(t, res.Order.ID, out.OrderID)
	assert.Equal(t, domain.OrderStatusProcessing, out.OrderStatus)
	assert.Equal(t, "REF1", out.RefID)

	assert.Equal(t, domain.OrderStatusProcessing, f.order(t, 1, res.Order.ID).Status)
	payment := f.payment(t, 1, res.Order.ID)
	assert.Equal(t, domain.PaymentStatusDone, payment.Status)
	require.NotNil(t, payment.RefID)
	assert.Equal(t, "REF1", *payment.RefID)

	assert.Equal(t, 3, f.store.Stock(offering))
	assert.Equal(t, 0, f.store.CartItemCount(res.Order.CartID))

	events := f.store.OutboxEvents()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPaymentSucceeded, events[0].EventType)
	assert.Equal(t, res.Order.ID.String(), events[0].AggregateID)

	var payload PaymentSucceededEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, res.Order.ID.String(), payload.OrderID)
	assert.Equal(t, int64(1), payload.UserID)
	assert.Equal(t, "REF1", payload.RefID)
}

func TestHandleCallback_AlreadyConfirmedCountsAsPaid(t *testing.T) {
	f := newFixture(t)
	_, res := f.pendingOrder(t, 1, 5, 1)
	f.gw.set(func(g *fakeGateway) {
		g.verifyOutcome = gateway.VerifyOutcome{Status: gateway.AlreadyConfirmed, RefID: "REF9", Code: 101}
	})

	out, err := f.rec.HandleCallback(context.Background(), *res.Payment.Authority, ProviderStatusOK)

	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, "REF9", out.RefID)
}

func TestHandleCallback_RepeatedCallbacksAreNoOps(t *testing.T) {
	f := newFixture(t)
	offering, res := f.pendingOrder(t, 1, 5, 2)
	authority := *res.Payment.Authority

	for i := 0; i < 4; i++ {
		out, err := f.rec.HandleCallback(context.Background(), authority, ProviderStatusOK)
		require.NoError(t, err)
		assert.True(t, out.Succeeded())
		assert.Equal(t, i > 0, out.Repeated)
	}

	// a late NOK for a settled payment changes nothing
	out, err := f.rec.HandleCallback(context.Background(), authority, "NOK")
	require.NoError(t, err)
	assert.True(t, out.Repeated)
	assert.True(t, out.Succeeded())

	_, verifies := f.gw.counts()
	assert.Equal(t, 1, verifies)
	assert.Equal(t, 3, f.store.Stock(offering))
	assert.Len(t, f.store.OutboxEvents(), 1)
}

func TestHandleCallback_CancelledByUserReleasesStockOnce(t *testing.T) {
	f := newFixture(t)
	offering, res := f.pendingOrder(t, 1, 5, 2)
	authority := *res.Payment.Authority
	require.Equal(t, 3, f.store.Stock(offering))

	out, err := f.rec.HandleCallback(context.Background(), authority, "NOK")

	require.NoError(t, err)
	assert.False(t, out.Succeeded())
	assert.Equal(t, domain.OrderStatusFailed, out.OrderStatus)
	assert.Equal(t, domain.PaymentStatusFailed, out.PaymentStatus)
	assert.Equal(t, 5, f.store.Stock(offering))

	_, verifies := f.gw.counts()
	assert.Equal(t, 0, verifies)

	out, err = f.rec.HandleCallback(context.Background(), authority, "NOK")
	require.NoError(t, err)
	assert.True(t, out.Repeated)
	assert.Equal(t, 5, f.store.Stock(offering))

	// a late OK for a failed payment is not verified and does not revive the order
	out, err = f.rec.HandleCallback(context.Background(), authority, ProviderStatusOK)
	require.NoError(t, err)
	assert.True(t, out.Repeated)
	assert.Equal(t, domain.OrderStatusFailed, out.OrderStatus)
	_, verifies = f.gw.counts()
	assert.Equal(t, 0, verifies)
	assert.Empty(t, f.store.OutboxEvents())
}

func TestHandleCallback_VerificationRejected(t *testing.T) {
	f := newFixture(t)
	offering, res := f.pendingOrder(t, 1, 5, 2)
	f.gw.set(func(g *fakeGateway) {
		g.verifyOutcome = gateway.VerifyOutcome{Status: gateway.Rejected, Code: -51}
	})

	out, err := f.rec.HandleCallback(context.Background(), *res.Payment.Authority, ProviderStatusOK)

	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, out.OrderStatus)
	assert.Equal(t, domain.PaymentStatusFailed, out.PaymentStatus)
	assert.Empty(t, out.RefID)
	assert.Equal(t, 5, f.store.Stock(offering))
	assert.Equal(t, 1, f.store.CartItemCount(res.Order.CartID))
	assert.Empty(t, f.store.OutboxEvents())
}

func TestHandleCallback_TransientVerifyErrorLeavesStateOpen(t *testing.T) {
	f := newFixture(t)
	offering, res := f.pendingOrder(t, 1, 5, 2)
	authority := *res.Payment.Authority
	f.gw.set(func(g *fakeGateway) { g.verifyErr = domain.ErrGatewayUnavailable })

	_, err := f.rec.HandleCallback(context.Background(), authority, ProviderStatusOK)

	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Equal(t, domain.OrderStatusPending, f.order(t, 1, res.Order.ID).Status)
	assert.Equal(t, domain.PaymentStatusProgress, f.payment(t, 1, res.Order.ID).Status)
	assert.Equal(t, 3, f.store.Stock(offering))

	f.gw.set(func(g *fakeGateway) { g.verifyErr = nil })
	out, err := f.rec.HandleCallback(context.Background(), authority, ProviderStatusOK)

	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.False(t, out.Repeated)
}

func TestHandleCallback_UnknownAuthority(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.HandleCallback(context.Background(), "missing", ProviderStatusOK)
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)

	_, err = f.rec.HandleCallback(context.Background(), "  ", ProviderStatusOK)
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)

	_, verifies := f.gw.counts()
	assert.Equal(t, 0, verifies)
}

func TestHandleCallback_ConcurrentDuplicatesSettleOnce(t *testing.T) {
	f := newFixture(t)
	offering, res := f.pendingOrder(t, 1, 5, 2)
	authority := *res.Payment.Authority

	const callers = 8
	results := make([]*SettlementResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.rec.HandleCallback(context.Background(), authority, ProviderStatusOK)
			if err != nil {
				t.Errorf("callback %d: %v", i, err)
				return
			}
			results[i] = out
		}(i)
	}
	wg.Wait()

	for _, out := range results {
		require.NotNil(t, out)
		assert.True(t, out.Succeeded())
		assert.Equal(t, "REF1", out.RefID)
	}
	_, verifies := f.gw.counts()
	assert.Equal(t, 1, verifies)
	assert.Len(t, f.store.OutboxEvents(), 1)
	assert.Equal(t, 3, f.store.Stock(offering))
}

func TestHandleCallback_ConcurrentOKAndNOKPickOneOutcome(t *testing.T) {
	f := newFixture(t)
	offering, res := f.pendingOrder(t, 1, 5, 2)
	authority := *res.Payment.Authority

	var wg sync.WaitGroup
	for _, status := range []string{ProviderStatusOK, "NOK"} {
		wg.Add(1)
		go func(status string) {
			defer wg.Done()
			_, err := f.rec.HandleCallback(context.Background(), authority, status)
			assert.NoError(t, err)
		}(status)
	}
	wg.Wait()

	payment := f.payment(t, 1, res.Order.ID)
	order := f.order(t, 1, res.Order.ID)
	switch payment.Status {
	case domain.PaymentStatusDone:
		assert.Equal(t, domain.OrderStatusProcessing, order.Status)
		assert.Equal(t, 3, f.store.Stock(offering))
	case domain.PaymentStatusFailed:
		assert.Equal(t, domain.OrderStatusFailed, order.Status)
		assert.Equal(t, 5, f.store.Stock(offering))
	default:
		t.Fatalf("payment left in %s", payment.Status)
	}
}

func TestHandleCallback_CancelledCallerDoesNotFailSharedSettlement(t *testing.T) {
	f := newFixture(t)
	offering, res := f.pendingOrder(t, 1, 5, 2)
	authority := *res.Payment.Authority
	entered, release := make(chan struct{}, 1), make(chan struct{})
	f.gw.set(func(g *fakeGateway) {
		g.verifyEntered = entered
		g.verifyRelease = release
	})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := f.rec.HandleCallback(ctxA, authority, ProviderStatusOK)
		errA <- err
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("verify was never called")
	}

	type outcome struct {
		res *SettlementResult
		err error
	}
	outB := make(chan outcome, 1)
	go func() {
		r, err := f.rec.HandleCallback(context.Background(), authority, ProviderStatusOK)
		outB <- outcome{r, err}
	}()

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)
	close(release)

	var b outcome
	select {
	case b = <-outB:
	case <-time.After(2 * time.Second):
		t.Fatal("second callback never returned")
	}
	require.NoError(t, b.err)
	assert.True(t, b.res.Succeeded())

	_, verifies := f.gw.counts()
	assert.Equal(t, 1, verifies)
	assert.Equal(t, domain.PaymentStatusDone, f.payment(t, 1, res.Order.ID).Status)
	assert.Equal(t, domain.OrderStatusProcessing, f.order(t, 1, res.Order.ID).Status)
	assert.Equal(t, 3, f.store.Stock(offering))
	assert.Len(t, f.store.OutboxEvents(), 1)
}

func TestHandleCallback_SupersededAuthoritySettles(t *testing.T) {
	f := newFixture(t)
	offering, res := f.pendingOrder(t, 1, 5, 2)
	first := *res.Payment.Authority

	started, err := f.orch.StartPayment(context.Background(), 1, res.Order.ID, Contact{})
	require.NoError(t, err)
	require.NotEqual(t, first, *started.Payment.Authority)

	out, err := f.rec.HandleCallback(context.Background(), first, ProviderStatusOK)

	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.False(t, out.Repeated)
	assert.Equal(t, res.Order.ID, out.OrderID)
	assert.Equal(t, 3, f.store.Stock(offering))
	f.gw.mu.Lock()
	assert.Equal(t, []string{first}, f.gw.verified)
	f.gw.mu.Unlock()

	out, err = f.rec.HandleCallback(context.Background(), *started.Payment.Authority, ProviderStatusOK)
	require.NoError(t, err)
	assert.True(t, out.Repeated)
	assert.Len(t, f.store.OutboxEvents(), 1)
}

func TestHandleCallback_FailureWithDeletedOffering(t *testing.T) {
	f := newFixture(t)
	offering, res := f.pendingOrder(t, 1, 5, 2)
	f.store.DeleteOffering(offering)

	out, err := f.rec.HandleCallback(context.Background(), *res.Payment.Authority, "NOK")

	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, out.OrderStatus)
	assert.Equal(t, domain.PaymentStatusFailed, out.PaymentStatus)
	assert.Equal(t, 3, f.store.Stock(offering))
}
