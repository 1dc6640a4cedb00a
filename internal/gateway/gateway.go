package gateway

import (
	"context"

	"github.com/mtehrani/payment-service/internal/model"
	"github.com/mtehrani/payment-service/internal/payerr"
)

// CreateRequest carries everything a provider needs to open a payment.
type CreateRequest struct {
	Amount      int64
	Currency    string
	CallbackURL string
	Description string
	Metadata    map[string]interface{}
}

// CreateResult is the normalized "create payment" response.
type CreateResult struct {
	AuthorityCode string
	RedirectURL   string
	Raw           map[string]interface{}
}

// Verify statuses common to all providers.
const (
	VerifySuccess         = "success"
	VerifyAlreadyVerified = "already_verified"
	VerifyFailed          = "failed"
	VerifyError           = "error"
)

// VerifyResult is the normalized "verify payment" response.
// Success is defined strictly as Status == VerifySuccess && Paid;
// any other combination is a failure.
type VerifyResult struct {
	Status  string
	Paid    bool
	RefID   string
	Message string
	Raw     map[string]interface{}
}

// Gateway is a pure request/response translator against an external
// payment processor. Implementations never touch the ledger.
type Gateway interface {
	CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error)
	VerifyPayment(ctx context.Context, authority string, amount int64) (*VerifyResult, error)
	DefaultCallbackURL() string
}

// Registry maps gateway enum values to adapters. Adding a provider means
// registering it here, no service changes.
type Registry struct {
	gateways map[model.GatewayType]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[model.GatewayType]Gateway)}
}

func (r *Registry) Register(id model.GatewayType, g Gateway) {
	r.gateways[id] = g
}

func (r *Registry) Get(id model.GatewayType) (Gateway, error) {
	g, ok := r.gateways[id]
	if !ok {
		return nil, payerr.Invalid("gateway %d not configured", id)
	}
	return g, nil
}
