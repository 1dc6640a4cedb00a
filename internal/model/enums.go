package model

// GatewayType identifies the external payment processor.
type GatewayType int

const (
	GatewayZarinpal GatewayType = 1
	GatewayStripe   GatewayType = 2
	GatewayPayPal   GatewayType = 3
)

func (g GatewayType) Valid() bool {
	switch g {
	case GatewayZarinpal, GatewayStripe, GatewayPayPal:
		return true
	}
	return false
}

func (g GatewayType) String() string {
	switch g {
	case GatewayZarinpal:
		return "zarinpal"
	case GatewayStripe:
		return "stripe"
	case GatewayPayPal:
		return "paypal"
	}
	return "unknown"
}

// Transaction status values derived from the flag triple.
const (
	StatusPending           = "pending"
	StatusCompleted         = "completed"
	StatusCompletedAndAdded = "completed_and_added"
	StatusFailed            = "failed"
	StatusRefunded          = "refunded"
)
