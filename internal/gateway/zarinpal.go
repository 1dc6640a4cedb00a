package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtehrani/payment-service/internal/config"
	"github.com/mtehrani/payment-service/internal/payerr"
	"go.uber.org/zap"
)

// Zarinpal provider status codes on verify.
const (
	zarinpalCodeVerified        = 100
	zarinpalCodeAlreadyVerified = 101
)

const zarinpalStartPayBase = "https://www.zarinpal.com/pg/StartPay/"

// Zarinpal implements Gateway against the Zarinpal v4 REST API.
type Zarinpal struct {
	merchantID  string
	requestURL  string
	verifyURL   string
	callbackURL string
	client      *http.Client
	log         *zap.SugaredLogger
}

func NewZarinpal(cfg config.ZarinpalConfig, timeout time.Duration, log *zap.SugaredLogger) *Zarinpal {
	return &Zarinpal{
		merchantID:  cfg.MerchantID,
		requestURL:  cfg.RequestURL,
		verifyURL:   cfg.VerifyURL,
		callbackURL: cfg.CallbackURL,
		client:      newHTTPClient(timeout),
		log:         log,
	}
}

func (z *Zarinpal) DefaultCallbackURL() string { return z.callbackURL }

// envelope shared by the request and verify endpoints. "data" is an
// object on success and an empty array on failure; "errors" is the
// reverse, so both are decoded lazily.
type zarinpalEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

func (e *zarinpalEnvelope) dataMap() map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil
	}
	return m
}

func (e *zarinpalEnvelope) firstError() (code, message string, ok bool) {
	if len(e.Errors) == 0 {
		return "", "", false
	}
	var list []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Errors, &list); err != nil || len(list) == 0 {
		return "", "", false
	}
	return strconv.Itoa(list[0].Code), list[0].Message, true
}

func (z *Zarinpal) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	callback := req.CallbackURL
	if callback == "" {
		callback = z.callbackURL
	}
	body := map[string]interface{}{
		"merchant_id":  z.merchantID,
		"amount":       strconv.FormatInt(req.Amount, 10),
		"callback_url": callback,
		"description":  req.Description,
		"metadata":     req.Metadata,
	}

	z.log.Infow("zarinpal payment request", "amount", req.Amount, "currency", req.Currency)

	var env zarinpalEnvelope
	if err := postJSON(ctx, z.client, z.requestURL, nil, body, &env); err != nil {
		return nil, err
	}
	if code, msg, ok := env.firstError(); ok {
		return nil, &payerr.GatewayError{Code: code, Message: msg}
	}
	data := env.dataMap()
	if data == nil {
		return nil, &payerr.GatewayError{Code: "UNEXPECTED_FORMAT", Message: "missing data in response"}
	}

	authority := strField(data, "authority")
	if authority == "" {
		authority = strField(data, "authority_code")
	}
	link := strField(data, "link")
	if link == "" && authority != "" {
		link = zarinpalStartPayBase + authority
	}
	return &CreateResult{
		AuthorityCode: authority,
		RedirectURL:   link,
		Raw:           data,
	}, nil
}

func (z *Zarinpal) VerifyPayment(ctx context.Context, authority string, amount int64) (*VerifyResult, error) {
	body := map[string]interface{}{
		"merchant_id": z.merchantID,
		"amount":      strconv.FormatInt(amount, 10),
		"authority":   authority,
	}

	z.log.Infow("zarinpal verify request", "authority", authority, "amount", amount)

	var env zarinpalEnvelope
	if err := postJSON(ctx, z.client, z.verifyURL, nil, body, &env); err != nil {
		return nil, err
	}
	if code, msg, ok := env.firstError(); ok {
		return &VerifyResult{
			Status:  VerifyError,
			Message: fmt.Sprintf("[%s] %s", code, msg),
		}, nil
	}
	data := env.dataMap()
	if data == nil {
		return &VerifyResult{Status: VerifyError, Message: "unexpected response format"}, nil
	}

	code := intField(data, "code")
	message := strField(data, "message")

	switch code {
	case zarinpalCodeVerified:
		return &VerifyResult{
			Status:  VerifySuccess,
			Paid:    true,
			RefID:   refIDField(data),
			Message: message,
			Raw:     data,
		}, nil
	case zarinpalCodeAlreadyVerified:
		return &VerifyResult{
			Status:  VerifyAlreadyVerified,
			Message: message,
			Raw:     data,
		}, nil
	}
	if message == "" {
		message = fmt.Sprintf("verification failed with code %d", code)
	}
	return &VerifyResult{Status: VerifyFailed, Message: message, Raw: data}, nil
}

func strField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// ref_id arrives as a JSON number from Zarinpal.
func refIDField(m map[string]interface{}) string {
	switch v := m["ref_id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	}
	return ""
}
