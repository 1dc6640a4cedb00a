package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mtehrani/payment-service/internal/model"
)

// IdempotencyKey derives a deterministic key from the order, amount and
// gateway when the caller supplies none. Two distinct attempts for the
// same triple collide by construction; callers wanting independent
// attempts must pass an explicit key.
func IdempotencyKey(orderID string, amount int64, gatewayID model.GatewayType) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", orderID, amount, gatewayID)))
	return hex.EncodeToString(sum[:])
}

// VerifyWebhookSignature checks a gateway webhook HMAC-SHA256 signature
// in constant time.
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
