// Package payment talks to the payment gateway: order creation and checkout
// signature verification.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Order is a gateway order the checkout widget pays.
type Order struct {
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	KeyID    string `json:"key_id"`
}

// CheckoutResult is what the checkout widget hands back after payment.
type CheckoutResult struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	PlanName string `json:"plan_name"`
}

type verifyResponse struct {
	Verified bool `json:"verified"`
}

// Client calls the order and verification endpoints.
type Client struct {
	baseURL string
	keyID   string
	http    *http.Client
}

// NewClient creates a client for the endpoints under baseURL.
func NewClient(baseURL, keyID string) *Client {
	return &Client{
		baseURL: baseURL,
		keyID:   keyID,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CreateOrder opens an order for amount (minor units) on plan.
func (c *Client) CreateOrder(ctx context.Context, amount int64, plan string) (Order, error) {
	var out Order
	if err := c.post(ctx, "/orders", createOrderRequest{Amount: amount, PlanName: plan}, &out); err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	if out.KeyID == "" {
		out.KeyID = c.keyID
	}
	return out, nil
}

// Verify asks the gateway whether the checkout signature is genuine.
func (c *Client) Verify(ctx context.Context, r CheckoutResult) (bool, error) {
	var out verifyResponse
	if err := c.post(ctx, "/verify", r, &out); err != nil {
		return false, fmt.Errorf("verify payment: %w", err)
	}
	return out.Verified, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
