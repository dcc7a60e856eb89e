package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/malcare/internal/auth"
	"github.com/example/malcare/internal/imageprep"
	"github.com/example/malcare/internal/prediction"
	"github.com/example/malcare/internal/usecase"
	"github.com/example/malcare/internal/wallet"
)

// MaxUploadSize caps a single uploaded image.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for form boundaries and other fields.
const multipartOverhead = 1 << 20

// PredictionService is the workflow surface used by the HTTP layer.
type PredictionService interface {
	Submit(ctx context.Context, sub usecase.Submission) (*usecase.SubmitResult, error)
	List(ctx context.Context, owner string, filter prediction.Filter) ([]prediction.Record, error)
	Summary(ctx context.Context, owner string) (prediction.Summary, error)
	Get(ctx context.Context, owner string, id uint64) (*prediction.Record, error)
	Payout(ctx context.Context, owner string, id uint64, handle wallet.Handle) (*prediction.Record, error)
}

// WalletService manages wallet snapshots.
type WalletService interface {
	Get(ctx context.Context, owner string) (wallet.Handle, error)
	Connect(ctx context.Context, owner, address string) (wallet.Handle, error)
	Disconnect(ctx context.Context, owner string) error
}

// Routes collects the collaborators of RegisterRoutes.
type Routes struct {
	Predictions PredictionService
	Wallets     WalletService
	Auth        gin.HandlerFunc
	// SubmitLimiter guards POST /predictions; nil disables it.
	SubmitLimiter gin.HandlerFunc
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

type handler struct {
	predictions PredictionService
	wallets     WalletService
	logger      *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, routes Routes) {
	logger := routes.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{predictions: routes.Predictions, wallets: routes.Wallets, logger: logger.Named("http")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if routes.Metrics != nil {
		router.GET("/metrics", gin.WrapH(routes.Metrics))
	}

	authorized := router.Group("/")
	authorized.Use(routes.Auth)

	authorized.GET("/me", h.me)
	authorized.POST("/auth/signout", h.signOut)

	submit := []gin.HandlerFunc{}
	if routes.SubmitLimiter != nil {
		submit = append(submit, routes.SubmitLimiter)
	}
	submit = append(submit, h.submitPrediction)
	authorized.POST("/predictions", submit...)
	authorized.GET("/predictions", h.listPredictions)
	authorized.GET("/predictions/summary", h.summary)
	authorized.GET("/predictions/:id", h.getPrediction)
	authorized.POST("/predictions/:id/payout", h.payout)

	authorized.GET("/wallet", h.getWallet)
	authorized.PUT("/wallet", h.connectWallet)
	authorized.DELETE("/wallet", h.disconnectWallet)
}

func (h *handler) me(c *gin.Context) {
	identity, ok := auth.GetIdentity(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"provider":      identity.Provider(),
		"subject":       identity.Subject(),
		"display_name":  identity.DisplayName(),
		"authenticated": identity.IsAuthenticated(),
	})
}

func (h *handler) signOut(c *gin.Context) {
	session, ok := auth.GetSession(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := session.SignOut(c.Request.Context()); err != nil {
		h.logger.Warn("sign out failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not sign out"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) submitPrediction(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return
	}
	if !strings.HasPrefix(file.Header.Get("Content-Type"), "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only image uploads are supported"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	result, err := h.predictions.Submit(c.Request.Context(), usecase.Submission{
		Owner:    owner,
		FileName: file.Filename,
		Image:    data,
		Encoding: c.PostForm("encoding"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"prediction":       result.Record,
		"stage":            result.Stage,
		"stage_confidence": result.StageConfidence,
		"stage_ran":        result.StageRan,
	})
}

func (h *handler) listPredictions(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}
	filter, err := prediction.ParseFilter(c.Query("filter"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, err := h.predictions.List(c.Request.Context(), owner, filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if records == nil {
		records = []prediction.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"predictions": records, "filter": filter})
}

func (h *handler) summary(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}
	summary, err := h.predictions.Summary(c.Request.Context(), owner)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) getPrediction(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	rec, err := h.predictions.Get(c.Request.Context(), owner, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) payout(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}

	handle, err := h.wallets.Get(c.Request.Context(), owner)
	if err != nil {
		h.writeError(c, err)
		return
	}
	rec, err := h.predictions.Payout(c.Request.Context(), owner, id, handle)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"prediction":     rec,
		"transaction_id": rec.TransactionID,
		"wallet":         handle.FormattedAddress(),
	})
}

type walletRequest struct {
	Address string `json:"address" binding:"required"`
}

func (h *handler) getWallet(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}
	handle, err := h.wallets.Get(c.Request.Context(), owner)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, walletResponse(handle))
}

func (h *handler) connectWallet(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}
	var req walletRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Address) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}
	handle, err := h.wallets.Connect(c.Request.Context(), owner, req.Address)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, walletResponse(handle))
}

func (h *handler) disconnectWallet(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}
	if err := h.wallets.Disconnect(c.Request.Context(), owner); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func walletResponse(handle wallet.Handle) gin.H {
	resp := gin.H{
		"is_connected":      handle.Connected(),
		"address":           handle.Address,
		"formatted_address": handle.FormattedAddress(),
	}
	if handle.Connected() {
		resp["connected_at"] = handle.ConnectedAt
	}
	return resp
}

func ownerFrom(c *gin.Context) (string, bool) {
	identity, ok := auth.GetIdentity(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return identity.Subject(), true
}

func idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid prediction id"})
		return 0, false
	}
	return id, true
}

// statusFor maps workflow errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, prediction.ErrDecode), errors.Is(err, imageprep.ErrUnknownEncoding):
		return http.StatusBadRequest
	case errors.Is(err, prediction.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, prediction.ErrClassificationFailed),
		errors.Is(err, prediction.ErrMalformedResponse),
		errors.Is(err, prediction.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, prediction.ErrAlreadySettled),
		errors.Is(err, prediction.ErrSubmissionInFlight),
		errors.Is(err, prediction.ErrPayoutInFlight):
		return http.StatusConflict
	case errors.Is(err, prediction.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, prediction.ErrNotConnected):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	message := prediction.UserMessage(err)
	if errors.Is(err, imageprep.ErrUnknownEncoding) {
		message = err.Error()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": message})
}
