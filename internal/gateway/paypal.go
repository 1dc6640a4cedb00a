package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mtehrani/payment-service/internal/config"
	"github.com/mtehrani/payment-service/internal/payerr"
	"go.uber.org/zap"
)

// PayPal implements Gateway over the Orders v2 API. The order id is the
// authority code; the capture id is the ref id.
type PayPal struct {
	clientID    string
	secret      string
	apiBase     string
	callbackURL string
	client      *http.Client
	log         *zap.SugaredLogger
}

func NewPayPal(cfg config.PayPalConfig, timeout time.Duration, log *zap.SugaredLogger) *PayPal {
	return &PayPal{
		clientID:    cfg.ClientID,
		secret:      cfg.Secret,
		apiBase:     strings.TrimRight(cfg.APIBase, "/"),
		callbackURL: cfg.CallbackURL,
		client:      newHTTPClient(timeout),
		log:         log,
	}
}

func (p *PayPal) DefaultCallbackURL() string { return p.callbackURL }

type paypalOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (p *PayPal) authHeader() map[string]string {
	return map[string]string{"Prefer": "return=representation"}
}

func (p *PayPal) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	// amount arrives in the smallest currency unit; PayPal wants major units
	value := strconv.FormatFloat(float64(req.Amount)/100, 'f', 2, 64)
	body := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{{
			"description": req.Description,
			"amount": map[string]string{
				"currency_code": strings.ToUpper(req.Currency),
				"value":         value,
			},
		}},
	}

	p.log.Infow("paypal order request", "amount", req.Amount, "currency", req.Currency)

	var order paypalOrder
	if err := p.post(ctx, p.apiBase+"/v2/checkout/orders", body, &order); err != nil {
		return nil, err
	}
	if order.Name != "" {
		return nil, &payerr.GatewayError{Code: order.Name, Message: order.Message}
	}

	var approve string
	for _, l := range order.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approve = l.Href
			break
		}
	}
	return &CreateResult{
		AuthorityCode: order.ID,
		RedirectURL:   approve,
		Raw:           map[string]interface{}{"order_id": order.ID, "status": order.Status},
	}, nil
}

func (p *PayPal) VerifyPayment(ctx context.Context, authority string, amount int64) (*VerifyResult, error) {
	var order paypalOrder
	err := p.post(ctx, p.apiBase+"/v2/checkout/orders/"+authority+"/capture", map[string]interface{}{}, &order)
	if err != nil {
		return nil, err
	}

	raw := map[string]interface{}{"order_id": order.ID, "status": order.Status}
	if order.Name == "ORDER_ALREADY_CAPTURED" {
		return &VerifyResult{Status: VerifyAlreadyVerified, Message: order.Message, Raw: raw}, nil
	}
	if order.Name != "" {
		return &VerifyResult{
			Status:  VerifyError,
			Message: fmt.Sprintf("[%s] %s", order.Name, order.Message),
			Raw:     raw,
		}, nil
	}
	if order.Status == "COMPLETED" {
		refID := ""
		for _, pu := range order.PurchaseUnits {
			for _, cap := range pu.Payments.Captures {
				refID = cap.ID
			}
		}
		return &VerifyResult{
			Status:  VerifySuccess,
			Paid:    true,
			RefID:   refID,
			Message: "order captured",
			Raw:     raw,
		}, nil
	}
	return &VerifyResult{
		Status:  VerifyFailed,
		Message: fmt.Sprintf("order %s is %s", order.ID, order.Status),
		Raw:     raw,
	}, nil
}

func (p *PayPal) post(ctx context.Context, endpoint string, body, out interface{}) error {
	headers := p.authHeader()
	err := postJSONBasicAuth(ctx, p.client, endpoint, p.clientID, p.secret, headers, body, out)
	return err
}
