package billing

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/leadsync/internal/apperr"
	"github.com/matheus3301/leadsync/internal/model"
	"github.com/matheus3301/leadsync/internal/payment"
	"github.com/matheus3301/leadsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateOrder(ctx context.Context, amount int64, plan string) (payment.Order, error) {
	args := m.Called(ctx, amount, plan)
	return args.Get(0).(payment.Order), args.Error(1)
}

func (m *mockGateway) Verify(ctx context.Context, r payment.CheckoutResult) (bool, error) {
	args := m.Called(ctx, r)
	return args.Bool(0), args.Error(1)
}

var plans = []Plan{
	{Name: "monthly", Amount: 99900, Currency: "INR", Months: 1},
	{Name: "yearly", Amount: 999900, Currency: "INR", Months: 12},
}

func newService(t *testing.T) (*Service, *mockGateway, *time.Time) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gw := &mockGateway{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(db, gw, plans, 14, nil)
	svc.now = func() time.Time { return now }
	return svc, gw, &now
}

func TestTrialLifecycle(t *testing.T) {
	svc, _, now := newService(t)
	ctx := context.Background()

	acc, err := svc.Access(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, acc.HasAccess, "no subscription means no access")

	sub, err := svc.StartTrial(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionTrial, sub.Status)
	require.NotNil(t, sub.TrialEndsAt)
	assert.True(t, sub.TrialEndsAt.Equal(now.AddDate(0, 0, 14)))

	again, err := svc.StartTrial(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, again.TrialEndsAt.Equal(*sub.TrialEndsAt), "second trial does not extend")

	acc, err = svc.Access(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acc.HasAccess)
	assert.Equal(t, 14, acc.DaysLeft)

	*now = now.AddDate(0, 0, 15)
	acc, err = svc.Access(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, acc.HasAccess)

	n, err := svc.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	acc, err = svc.Access(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionExpired, acc.Status)
}

func TestCheckoutAndActivate(t *testing.T) {
	svc, gw, now := newService(t)
	ctx := context.Background()

	_, err := svc.Checkout(ctx, "u1", "lifetime")
	assert.True(t, apperr.Is(err, apperr.Validation))

	gw.On("CreateOrder", mock.Anything, int64(99900), "monthly").
		Return(payment.Order{OrderID: "order_1", Amount: 99900, KeyID: "key"}, nil)
	order, err := svc.Checkout(ctx, "u1", "monthly")
	require.NoError(t, err)
	assert.Equal(t, "order_1", order.OrderID)
	assert.Equal(t, "INR", order.Currency, "currency falls back to the plan")

	good := payment.CheckoutResult{OrderID: "order_1", PaymentID: "pay_1", Signature: "sig"}
	gw.On("Verify", mock.Anything, good).Return(true, nil)
	sub, err := svc.Activate(ctx, "u1", "monthly", good)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, sub.Status)
	assert.Equal(t, "pay_1", sub.PaymentID)
	assert.Equal(t, int64(99900), sub.AmountPaid)
	require.NotNil(t, sub.EndsAt)
	assert.True(t, sub.EndsAt.Equal(now.AddDate(0, 1, 0)))

	// Renewing while active extends from the current end.
	renew := payment.CheckoutResult{OrderID: "order_2", PaymentID: "pay_2", Signature: "sig2"}
	gw.On("Verify", mock.Anything, renew).Return(true, nil)
	sub, err = svc.Activate(ctx, "u1", "monthly", renew)
	require.NoError(t, err)
	assert.True(t, sub.EndsAt.Equal(now.AddDate(0, 2, 0)))

	gw.AssertExpectations(t)
}

func TestActivateRejectsUnverified(t *testing.T) {
	svc, gw, _ := newService(t)
	ctx := context.Background()

	forged := payment.CheckoutResult{OrderID: "order_1", PaymentID: "pay_1", Signature: "forged"}
	gw.On("Verify", mock.Anything, forged).Return(false, nil)
	_, err := svc.Activate(ctx, "u1", "monthly", forged)
	require.ErrorIs(t, err, ErrUnverified)

	broken := payment.CheckoutResult{OrderID: "order_2"}
	gw.On("Verify", mock.Anything, broken).Return(false, errors.New("gateway down"))
	_, err = svc.Activate(ctx, "u1", "monthly", broken)
	assert.True(t, apperr.Is(err, apperr.Backend))

	acc, err := svc.Access(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, acc.HasAccess, "nothing persisted")
}

func TestActivateChecksSignatureLocally(t *testing.T) {
	svc, gw, _ := newService(t)
	signer := payment.NewSigner("key-secret")
	svc.WithSigner(signer)
	ctx := context.Background()

	forged := payment.CheckoutResult{OrderID: "order_1", PaymentID: "pay_1", Signature: "forged"}
	_, err := svc.Activate(ctx, "u1", "monthly", forged)
	require.ErrorIs(t, err, ErrUnverified)
	gw.AssertNotCalled(t, "Verify", mock.Anything, forged)

	good := payment.CheckoutResult{OrderID: "order_1", PaymentID: "pay_1", Signature: signer.Sign("order_1", "pay_1")}
	gw.On("Verify", mock.Anything, good).Return(true, nil)
	sub, err := svc.Activate(ctx, "u1", "monthly", good)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, sub.Status)
	gw.AssertExpectations(t)
}
