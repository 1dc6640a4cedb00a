package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/mtehrani/payment-service/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKey_Deterministic(t *testing.T) {
	a := IdempotencyKey("ORD-1", 150000, model.GatewayZarinpal)
	b := IdempotencyKey("ORD-1", 150000, model.GatewayZarinpal)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestIdempotencyKey_DistinguishesInputs(t *testing.T) {
	base := IdempotencyKey("ORD-1", 150000, model.GatewayZarinpal)
	assert.NotEqual(t, base, IdempotencyKey("ORD-2", 150000, model.GatewayZarinpal))
	assert.NotEqual(t, base, IdempotencyKey("ORD-1", 150001, model.GatewayZarinpal))
	assert.NotEqual(t, base, IdempotencyKey("ORD-1", 150000, model.GatewayStripe))
}

func TestVerifyWebhookSignature(t *testing.T) {
	payload := []byte(`{"transactionId":"abc","authority":"A1"}`)
	secret := "wh-secret"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifyWebhookSignature(payload, sig, secret))
	assert.False(t, VerifyWebhookSignature(payload, sig, "other-secret"))
	assert.False(t, VerifyWebhookSignature([]byte(`tampered`), sig, secret))
	assert.False(t, VerifyWebhookSignature(payload, "deadbeef", secret))
}
