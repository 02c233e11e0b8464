package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer derives and checks checkout signatures: hex(HMAC-SHA256(secret,
// orderID + "|" + paymentID)).
type Signer struct {
	secret []byte
}

// NewSigner creates a signer over the gateway's key secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the expected signature for a checkout.
func (s *Signer) Sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the checkout. The comparison is
// constant time.
func (s *Signer) Verify(r CheckoutResult) bool {
	if r.OrderID == "" || r.PaymentID == "" || r.Signature == "" {
		return false
	}
	return hmac.Equal([]byte(s.Sign(r.OrderID, r.PaymentID)), []byte(r.Signature))
}
