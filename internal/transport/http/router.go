package http

import (
	"github.com/gin-gonic/gin"
	"github.com/mtehrani/payment-service/internal/config"
	"github.com/mtehrani/payment-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.TransactionService, verifier *service.Verifier, queue *service.VerifyQueue, cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	RegisterHandlers(r, svc, verifier, queue, cfg.Payment.WebhookSecret, log)
	return r
}
