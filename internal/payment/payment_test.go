package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner("secret")
	sig := s.Sign("order_1", "pay_1")
	assert.Len(t, sig, 64)

	assert.True(t, s.Verify(CheckoutResult{OrderID: "order_1", PaymentID: "pay_1", Signature: sig}))
	assert.False(t, s.Verify(CheckoutResult{OrderID: "order_1", PaymentID: "pay_2", Signature: sig}))
	assert.False(t, s.Verify(CheckoutResult{OrderID: "order_1", PaymentID: "pay_1", Signature: sig[:63] + "0"}))
	assert.False(t, NewSigner("other").Verify(CheckoutResult{OrderID: "order_1", PaymentID: "pay_1", Signature: sig}))
	assert.False(t, s.Verify(CheckoutResult{}))
}

// gateway fakes the order and verification endpoints.
func gateway(t *testing.T, signer *Signer) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/orders", func(w http.ResponseWriter, req *http.Request) {
		var in createOrderRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil || in.Amount <= 0 {
			http.Error(w, "bad order", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Order{OrderID: "order_" + in.PlanName, Amount: in.Amount, Currency: "INR"})
	})
	r.Post("/verify", func(w http.ResponseWriter, req *http.Request) {
		var in CheckoutResult
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(verifyResponse{Verified: signer.Verify(in)})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientCreateOrderAndVerify(t *testing.T) {
	signer := NewSigner("secret")
	srv := gateway(t, signer)
	c := NewClient(srv.URL, "key_live_1")
	ctx := context.Background()

	order, err := c.CreateOrder(ctx, 99900, "monthly")
	require.NoError(t, err)
	assert.Equal(t, "order_monthly", order.OrderID)
	assert.Equal(t, int64(99900), order.Amount)
	assert.Equal(t, "key_live_1", order.KeyID, "key id filled in from config")

	ok, err := c.Verify(ctx, CheckoutResult{OrderID: order.OrderID, PaymentID: "pay_1", Signature: signer.Sign(order.OrderID, "pay_1")})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Verify(ctx, CheckoutResult{OrderID: order.OrderID, PaymentID: "pay_1", Signature: "forged"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.CreateOrder(ctx, 0, "monthly")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}
