package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransactionStatus(t *testing.T) {
	cases := []struct {
		name                           string
		isDone, isAddedWallet, isRefund bool
		want                           string
	}{
		{"pending", false, false, false, StatusPending},
		{"completed", true, false, false, StatusCompleted},
		{"completed_and_added", true, true, false, StatusCompletedAndAdded},
		{"refund wins over completed", true, true, true, StatusRefunded},
		{"refund wins over pending", false, false, true, StatusRefunded},
		// added_wallet without done never happens in practice; the
		// derivation still has to answer something stable
		{"added without done", false, true, false, StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := &Transaction{IsDone: tc.isDone, IsAddedWallet: tc.isAddedWallet, IsRefund: tc.isRefund}
			assert.Equal(t, tc.want, tx.Status())
		})
	}
}

func TestGatewayTypeValid(t *testing.T) {
	assert.True(t, GatewayZarinpal.Valid())
	assert.True(t, GatewayStripe.Valid())
	assert.True(t, GatewayPayPal.Valid())
	assert.False(t, GatewayType(0).Valid())
	assert.False(t, GatewayType(99).Valid())
}
