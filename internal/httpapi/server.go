package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/access"
	"github.com/MarkoPoloResearchLab/credits/internal/fulfillment"
	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
	"github.com/MarkoPoloResearchLab/credits/internal/receipts"
	"github.com/MarkoPoloResearchLab/credits/internal/webhook"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey      = "auth_claims"
	signatureHeader       = "Stripe-Signature"
	maxWebhookBodyBytes   = 1 << 20
	downloadCacheControl  = "no-store, private"
	confirmStatusGranted  = "fulfilled"
	confirmStatusRepeated = "already_fulfilled"
)

// WebhookDispatcher handles verified gateway events.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, payload []byte, signatureHeader string) (webhook.Outcome, error)
}

// ReceiptReader is the receipt access gateway.
type ReceiptReader interface {
	OwnerLookup(ctx context.Context, caller string, reference string) (access.ReceiptInfo, error)
	PublicDownload(ctx context.Context, token string, format string) (access.Document, error)
	Resend(ctx context.Context, caller string, receiptID string) (receipts.Receipt, error)
}

// PaymentConfirmer runs the client-initiated fulfillment path.
type PaymentConfirmer interface {
	Confirm(ctx context.Context, caller ledger.UserID, paymentReference string) (fulfillment.Result, error)
}

// Wallet reads balances and history.
type Wallet interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error)
}

// ProfileWriter refreshes the profile behind a session.
type ProfileWriter interface {
	UpsertProfile(ctx context.Context, profile receipts.Profile) error
}

// Dependencies groups the collaborators of the router. Profiles and Metrics are optional.
type Dependencies struct {
	Webhooks  WebhookDispatcher
	Receipts  ReceiptReader
	Confirmer PaymentConfirmer
	Wallet    Wallet
	Profiles  ProfileWriter
	Metrics   http.Handler
}

type httpHandler struct {
	logger    *zap.Logger
	webhooks  WebhookDispatcher
	receipts  ReceiptReader
	confirmer PaymentConfirmer
	wallet    Wallet
	profiles  ProfileWriter
	nowFn     func() time.Time
}

// NewRouter builds the gin engine serving every HTTP route.
func NewRouter(cfg Config, deps Dependencies, validator *sessionvalidator.Validator, logger *zap.Logger) (*gin.Engine, error) {
	if deps.Webhooks == nil || deps.Receipts == nil || deps.Confirmer == nil || deps.Wallet == nil {
		return nil, fmt.Errorf("httpapi: webhooks, receipts, confirmer and wallet are required")
	}
	if validator == nil {
		return nil, fmt.Errorf("httpapi: session validator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		logger:    logger,
		webhooks:  deps.Webhooks,
		receipts:  deps.Receipts,
		confirmer: deps.Confirmer,
		wallet:    deps.Wallet,
		profiles:  deps.Profiles,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	router.POST("/webhooks/payments", handler.handleWebhook)
	router.GET("/receipts/download", handler.handleDownload)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.Use(handler.refreshProfile)

	api.GET("/wallet", handler.handleWallet)
	api.GET("/receipts/:reference", handler.handleReceipt)
	api.POST("/receipts/:receiptId/resend", handler.handleResend)
	api.POST("/payments/:reference/confirm", handler.handleConfirm)

	return router, nil
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("payload_too_large", "event payload too large"))
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable event payload"))
		return
	}

	outcome, err := handler.webhooks.Dispatch(ctx.Request.Context(), payload, ctx.GetHeader(signatureHeader))
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
	case errors.Is(err, webhook.ErrInvalidSignature):
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_signature", "signature verification failed"))
	case errors.Is(err, webhook.ErrMalformedEvent):
		ctx.JSON(http.StatusBadRequest, errorResponse("malformed_event", "event could not be parsed"))
	default:
		handler.logger.Error("webhook processing failed, gateway will retry", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("retry", "event not processed"))
	}
}

func (handler *httpHandler) handleDownload(ctx *gin.Context) {
	ctx.Header("Cache-Control", downloadCacheControl)
	document, err := handler.receipts.PublicDownload(ctx.Request.Context(), ctx.Query("token"), ctx.Query("format"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.Header("X-Content-Type-Options", "nosniff")
	ctx.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", document.Filename))
	ctx.Data(http.StatusOK, document.ContentType, document.Body)
}

func (handler *httpHandler) handleReceipt(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	info, err := handler.receipts.OwnerLookup(ctx.Request.Context(), claims.GetUserID(), ctx.Param("reference"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.Header("Cache-Control", downloadCacheControl)
	ctx.JSON(http.StatusOK, gin.H{"receipt": info})
}

func (handler *httpHandler) handleResend(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	receipt, err := handler.receipts.Resend(ctx.Request.Context(), claims.GetUserID(), ctx.Param("receiptId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"status": "sent", "receiptId": receipt.ID})
}

func (handler *httpHandler) handleConfirm(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	caller, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	result, err := handler.confirmer.Confirm(ctx.Request.Context(), caller, ctx.Param("reference"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	status := confirmStatusGranted
	if result.AlreadyFulfilled {
		status = confirmStatusRepeated
	}
	response := gin.H{
		"status":        status,
		"transactionId": result.Transaction.ID().String(),
		"credits":       result.Transaction.Amount().Int64(),
	}
	if result.ReceiptError == nil && result.Receipt.ID != "" {
		response["receipt"] = gin.H{"receiptId": result.Receipt.ID, "receiptNumber": result.Receipt.ReceiptNumber}
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	limit := walletHistoryLimit
	if raw := strings.TrimSpace(ctx.Query("limit")); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed <= 0 || parsed > 100 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "limit must be between 1 and 100"))
			return
		}
		limit = parsed
	}

	balance, err := handler.wallet.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("wallet balance failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("unavailable", "wallet unavailable"))
		return
	}
	before := handler.nowFn().Add(time.Second).Unix()
	transactions, err := handler.wallet.ListTransactions(ctx.Request.Context(), userID, before, limit)
	if err != nil {
		handler.logger.Error("wallet history failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("unavailable", "wallet unavailable"))
		return
	}

	entries := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		entries = append(entries, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletResponse{
		Balance: balancePayload{
			Credits:     balance.TotalCredits.Int64(),
			AsOfUnixUTC: balance.AsOfUnixUTC,
		},
		Transactions: entries,
	}})
}

// refreshProfile copies session claims into the profile directory. Failures never block the request.
func (handler *httpHandler) refreshProfile(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims != nil && handler.profiles != nil && strings.TrimSpace(claims.GetUserID()) != "" {
		profile := receipts.Profile{
			UserID:      claims.GetUserID(),
			Email:       claims.GetUserEmail(),
			DisplayName: claims.GetUserDisplayName(),
		}
		if err := handler.profiles.UpsertProfile(ctx.Request.Context(), profile); err != nil {
			handler.logger.Warn("profile refresh failed", zap.String("user_id", profile.UserID), zap.Error(err))
		}
	}
	ctx.Next()
}

// respondError maps domain errors to generic client responses; details stay in the logs.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	var throttled *access.ThrottledError
	switch {
	case errors.As(err, &throttled):
		ctx.Header("Retry-After", strconv.Itoa(throttled.RetryAfterSeconds()))
		ctx.JSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
	case errors.Is(err, access.ErrUnauthenticated):
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
	case errors.Is(err, access.ErrValidation), errors.Is(err, ledger.ErrInvalidPaymentReference):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "invalid reference"))
	case errors.Is(err, access.ErrUnsupportedFormat):
		ctx.JSON(http.StatusBadRequest, errorResponse("unsupported_format", "unsupported format"))
	case errors.Is(err, access.ErrNotFound), errors.Is(err, fulfillment.ErrPaymentNotOwned), errors.Is(err, gateway.ErrPaymentNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "not found"))
	case errors.Is(err, fulfillment.ErrPaymentIncomplete):
		ctx.JSON(http.StatusConflict, errorResponse("payment_incomplete", "payment has not completed"))
	case errors.Is(err, fulfillment.ErrRejected):
		handler.logger.Warn("payment rejected", zap.Error(err))
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("payment_rejected", "payment cannot be fulfilled"))
	case errors.Is(err, access.ErrNoRecipient):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("no_recipient", "receipt has no email recipient"))
	case errors.Is(err, access.ErrEmailFailed):
		handler.logger.Warn("receipt email failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("email_failed", "email could not be sent"))
	case errors.Is(err, access.ErrUnavailable), errors.Is(err, gateway.ErrUpstreamUnavailable):
		handler.logger.Error("dependency unavailable", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("unavailable", "service temporarily unavailable"))
	default:
		handler.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "internal error"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type walletResponse struct {
	Balance      balancePayload       `json:"balance"`
	Transactions []transactionPayload `json:"transactions"`
}

type balancePayload struct {
	Credits     int64 `json:"credits"`
	AsOfUnixUTC int64 `json:"asOfUnixUtc"`
}

type transactionPayload struct {
	TransactionID    string          `json:"transactionId"`
	Kind             string          `json:"kind"`
	Amount           int64           `json:"amount"`
	Description      string          `json:"description"`
	PaymentReference string          `json:"paymentReference,omitempty"`
	PackageID        string          `json:"packageId,omitempty"`
	ExpiresUnixUTC   int64           `json:"expiresUnixUtc,omitempty"`
	Metadata         json.RawMessage `json:"metadata"`
	CreatedUnixUTC   int64           `json:"createdUnixUtc"`
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	payload := transactionPayload{
		TransactionID:  transaction.ID().String(),
		Kind:           transaction.Kind().String(),
		Amount:         transaction.Amount().Int64(),
		Description:    transaction.Description(),
		ExpiresUnixUTC: transaction.ExpiresAtUnixUTC(),
		Metadata:       json.RawMessage("{}"),
		CreatedUnixUTC: transaction.CreatedUnixUTC(),
	}
	if metadata := transaction.Metadata().String(); metadata != "" {
		payload.Metadata = json.RawMessage(metadata)
	}
	if reference, ok := transaction.PaymentReference(); ok {
		payload.PaymentReference = reference.String()
	}
	if packageID, ok := transaction.PackageID(); ok {
		payload.PackageID = packageID.String()
	}
	return payload
}
