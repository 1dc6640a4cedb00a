package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mtehrani/payment-service/internal/config"
	"github.com/mtehrani/payment-service/internal/payerr"
	"go.uber.org/zap"
)

// Stripe implements Gateway over Checkout Sessions. The session id is
// used as the authority code and the payment intent as the ref id.
type Stripe struct {
	secretKey   string
	apiBase     string
	callbackURL string
	client      *http.Client
	log         *zap.SugaredLogger
}

func NewStripe(cfg config.StripeConfig, timeout time.Duration, log *zap.SugaredLogger) *Stripe {
	return &Stripe{
		secretKey:   cfg.SecretKey,
		apiBase:     strings.TrimRight(cfg.APIBase, "/"),
		callbackURL: cfg.CallbackURL,
		client:      newHTTPClient(timeout),
		log:         log,
	}
}

func (s *Stripe) DefaultCallbackURL() string { return s.callbackURL }

type stripeSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	PaymentIntent string `json:"payment_intent"`
	Error         *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Stripe) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	callback := req.CallbackURL
	if callback == "" {
		callback = s.callbackURL
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", callback)
	form.Set("cancel_url", callback)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.Amount, 10))
	form.Set("line_items[0][price_data][product_data][name]", req.Description)
	for k, v := range req.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), fmt.Sprint(v))
	}

	s.log.Infow("stripe session request", "amount", req.Amount, "currency", req.Currency)

	var sess stripeSession
	if err := s.doForm(ctx, s.apiBase+"/checkout/sessions", form, &sess); err != nil {
		return nil, err
	}
	if sess.Error != nil {
		return nil, &payerr.GatewayError{Code: sess.Error.Code, Message: sess.Error.Message}
	}
	return &CreateResult{
		AuthorityCode: sess.ID,
		RedirectURL:   sess.URL,
		Raw:           map[string]interface{}{"session_id": sess.ID, "status": sess.Status},
	}, nil
}

func (s *Stripe) VerifyPayment(ctx context.Context, authority string, amount int64) (*VerifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+"/checkout/sessions/"+authority, nil)
	if err != nil {
		return nil, &payerr.GatewayError{Code: "REQUEST_ERROR", Message: err.Error()}
	}
	req.SetBasicAuth(s.secretKey, "")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	var sess stripeSession
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, &payerr.GatewayError{Code: "UNEXPECTED_FORMAT", Message: err.Error()}
	}
	if sess.Error != nil {
		return &VerifyResult{
			Status:  VerifyError,
			Message: fmt.Sprintf("[%s] %s", sess.Error.Code, sess.Error.Message),
		}, nil
	}

	raw := map[string]interface{}{
		"session_id":     sess.ID,
		"status":         sess.Status,
		"payment_status": sess.PaymentStatus,
	}
	if sess.PaymentStatus == "paid" {
		return &VerifyResult{
			Status:  VerifySuccess,
			Paid:    true,
			RefID:   sess.PaymentIntent,
			Message: "payment completed",
			Raw:     raw,
		}, nil
	}
	return &VerifyResult{
		Status:  VerifyFailed,
		Message: fmt.Sprintf("session %s is %s", sess.ID, sess.PaymentStatus),
		Raw:     raw,
	}, nil
}

func (s *Stripe) doForm(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &payerr.GatewayError{Code: "REQUEST_ERROR", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.secretKey, "")

	resp, err := s.client.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyNetErr(err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return &payerr.GatewayError{
			Code:      http.StatusText(resp.StatusCode),
			Message:   string(data),
			Retryable: true,
		}
	}
	return json.Unmarshal(data, out)
}
