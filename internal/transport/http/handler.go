package http

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mtehrani/payment-service/internal/model"
	"github.com/mtehrani/payment-service/internal/payerr"
	"github.com/mtehrani/payment-service/internal/service"
	"github.com/mtehrani/payment-service/internal/signing"
	"go.uber.org/zap"
)

const signatureHeader = "X-Webhook-Signature"

func RegisterHandlers(r *gin.Engine, svc *service.TransactionService, verifier *service.Verifier, queue *service.VerifyQueue, webhookSecret string, log *zap.SugaredLogger) {
	v1 := r.Group("/v1")
	{
		v1.POST("/payments", createPaymentHandler(svc, log))
		v1.POST("/payments/verify", verifyPaymentHandler(verifier, webhookSecret, log))
		v1.POST("/payments/verify/async", verifyAsyncHandler(queue, webhookSecret, log))
		v1.GET("/payments/:id", paymentStatusHandler(svc, log))
	}
}

type createPaymentReq struct {
	Amount         int64                  `json:"amount" binding:"required"`
	Currency       string                 `json:"currency"`
	Gateway        int                    `json:"gateway" binding:"required"`
	OrderID        string                 `json:"orderId" binding:"required"`
	UserID         uuid.UUID              `json:"userId" binding:"required"`
	Description    string                 `json:"description"`
	CallbackURL    string                 `json:"callbackUrl" binding:"omitempty,url"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	Metadata       map[string]interface{} `json:"metadata"`
}

type createPaymentResp struct {
	PaymentID     uuid.UUID `json:"paymentId"`
	RedirectURL   string    `json:"redirectUrl"`
	AuthorityCode string    `json:"authorityCode"`
}

func createPaymentHandler(svc *service.TransactionService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createPaymentReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(http.StatusBadRequest, err.Error()))
			return
		}
		result, err := svc.CreatePayment(c, service.CreatePaymentInput{
			OrderID:        req.OrderID,
			UserID:         req.UserID,
			GatewayID:      model.GatewayType(req.Gateway),
			Amount:         req.Amount,
			Currency:       req.Currency,
			Description:    req.Description,
			CallbackURL:    req.CallbackURL,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
		})
		if err != nil {
			respondError(c, err, log)
			return
		}
		c.JSON(http.StatusCreated, createPaymentResp{
			PaymentID:     result.PaymentID,
			RedirectURL:   result.RedirectURL,
			AuthorityCode: result.AuthorityCode,
		})
	}
}

type verifyPaymentReq struct {
	PaymentID      uuid.UUID              `json:"paymentId" binding:"required"`
	CallbackData   map[string]interface{} `json:"callbackData"`
	IdempotencyKey string                 `json:"idempotencyKey"`
}

type verifyPaymentResp struct {
	Status       string    `json:"status"`
	PaymentID    uuid.UUID `json:"paymentId"`
	TrackingCode string    `json:"trackingCode,omitempty"`
	RefID        string    `json:"refId,omitempty"`
	Message      string    `json:"message"`
}

// bindVerifyReq reads the raw body so the webhook signature, when
// configured, can be checked against the exact bytes the gateway sent.
func bindVerifyReq(c *gin.Context, webhookSecret string) (*verifyPaymentReq, bool) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(http.StatusBadRequest, "unreadable request body"))
		return nil, false
	}
	if webhookSecret != "" {
		sig := c.GetHeader(signatureHeader)
		if sig == "" || !signing.VerifyWebhookSignature(body, sig, webhookSecret) {
			c.JSON(http.StatusUnauthorized, errorBody(http.StatusUnauthorized, "invalid webhook signature"))
			return nil, false
		}
	}
	var req verifyPaymentReq
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(http.StatusBadRequest, err.Error()))
		return nil, false
	}
	if req.PaymentID == uuid.Nil {
		c.JSON(http.StatusBadRequest, errorBody(http.StatusBadRequest, "paymentId is required"))
		return nil, false
	}
	return &req, true
}

func verifyPaymentHandler(verifier *service.Verifier, webhookSecret string, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindVerifyReq(c, webhookSecret)
		if !ok {
			return
		}
		outcome, err := verifier.Verify(c, req.PaymentID, req.CallbackData, req.IdempotencyKey)
		if err != nil {
			respondError(c, err, log)
			return
		}
		c.JSON(http.StatusOK, verifyPaymentResp{
			Status:       outcome.Status,
			PaymentID:    outcome.PaymentID,
			TrackingCode: outcome.TrackingCode,
			RefID:        outcome.RefID,
			Message:      outcome.Message,
		})
	}
}

func verifyAsyncHandler(queue *service.VerifyQueue, webhookSecret string, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindVerifyReq(c, webhookSecret)
		if !ok {
			return
		}
		accepted := queue.Enqueue(service.VerifyJob{
			PaymentID:      req.PaymentID,
			CallbackData:   req.CallbackData,
			IdempotencyKey: req.IdempotencyKey,
		})
		if !accepted {
			c.JSON(http.StatusServiceUnavailable, errorBody(http.StatusServiceUnavailable, "verification queue is full"))
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "paymentId": req.PaymentID})
	}
}

type paymentStatusResp struct {
	PaymentID     uuid.UUID `json:"paymentId"`
	Status        string    `json:"status"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	GatewayID     int       `json:"gatewayId"`
	OrderID       string    `json:"orderId"`
	IsDone        bool      `json:"isDone"`
	IsAddedWallet bool      `json:"isAddedWallet"`
	IsRefund      bool      `json:"isRefund"`
	RefID         string    `json:"refId,omitempty"`
	CreatedAt     string    `json:"createdAt"`
}

func paymentStatusHandler(svc *service.TransactionService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.GetTransactionStatus(c, c.Param("id"))
		if err != nil {
			respondError(c, err, log)
			return
		}
		resp := paymentStatusResp{
			PaymentID:     t.ID,
			Status:        t.Status(),
			Amount:        t.Amount,
			Currency:      t.Currency,
			GatewayID:     int(t.GatewayID),
			OrderID:       t.OrderID,
			IsDone:        t.IsDone,
			IsAddedWallet: t.IsAddedWallet,
			IsRefund:      t.IsRefund,
			CreatedAt:     t.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if t.RefID != nil {
			resp.RefID = *t.RefID
		}
		c.JSON(http.StatusOK, resp)
	}
}

func errorBody(status int, message string) gin.H {
	return gin.H{"error": http.StatusText(status), "message": message}
}

func respondError(c *gin.Context, err error, log *zap.SugaredLogger) {
	status := payerr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		log.Errorw("internal error", "path", c.Request.URL.Path, "error", err)
		c.JSON(status, errorBody(status, "internal error"))
		return
	}
	c.JSON(status, errorBody(status, err.Error()))
}
