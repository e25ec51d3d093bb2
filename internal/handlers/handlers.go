package handlers

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/eyestate/eyestate-api/internal/eyestate"
	"github.com/eyestate/eyestate-api/internal/logging"
	"github.com/eyestate/eyestate-api/internal/model"
	"github.com/eyestate/eyestate-api/internal/preprocess"
)

// MaxUploadSize bounds multipart uploads (10MB).
const MaxUploadSize = 10 << 20

type Handler struct {
	modelServer *model.Server
	decisions   *lru.Cache
	logger      *zap.Logger
}

type cachedDecision struct {
	state       string
	probability float64
}

// NewHandler wires the loaded model. A positive cacheSize keeps that many
// recent image decisions keyed by content hash.
func NewHandler(modelServer *model.Server, cacheSize int, logger *zap.Logger) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		modelServer: modelServer,
		logger:      logger.Named("handlers"),
	}
	if cacheSize > 0 {
		cache, err := lru.New(cacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "creating decision cache")
		}
		h.decisions = cache
	}
	return h, nil
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler) {
	router.GET("/health", h.Health)
	router.POST("/predict", h.Predict)
	router.POST("/predict/image", h.PredictFromImage)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Predict classifies an already preprocessed image sent as JSON.
func (h *Handler) Predict(c *gin.Context) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(h.logger, "handlers.predict", requestID)

	var req model.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON", "request_id": requestID})
		return
	}
	if len(req.Image) != preprocess.PixelsPerImage {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      fmt.Sprintf("expected %d values, got %d", preprocess.PixelsPerImage, len(req.Image)),
			"request_id": requestID,
		})
		return
	}
	for _, v := range req.Image {
		if !(v >= 0 && v <= 1) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "values must be normalized to [0,1]", "request_id": requestID})
			return
		}
	}

	prob, err := h.modelServer.Predict(preprocess.NewBatch(req.Image, 1))
	if err != nil {
		opLogger.Error("prediction failed", zap.Object("failure", logging.NewOperationError("handlers.predict", requestID, err)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed", "request_id": requestID})
		return
	}
	c.JSON(http.StatusOK, model.PredictionResponse{
		RequestID:   requestID,
		State:       eyestate.Decide(prob).String(),
		Probability: prob,
	})
}

// PredictFromImage decodes, preprocesses and classifies an uploaded eye crop.
func (h *Handler) PredictFromImage(c *gin.Context) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(h.logger, "handlers.predict_image", requestID)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+1<<20)
	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large", "request_id": requestID})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "no image file provided, use 'image' as the form field name",
			"request_id": requestID,
		})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large", "request_id": requestID})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image", "request_id": requestID})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image", "request_id": requestID})
		return
	}

	sum := sha1.Sum(data)
	key := hex.EncodeToString(sum[:])
	if h.decisions != nil {
		if v, ok := h.decisions.Get(key); ok {
			d := v.(cachedDecision)
			opLogger.Debug("decision cache hit", zap.String("sha1", key))
			c.JSON(http.StatusOK, model.PredictionResponse{RequestID: requestID, State: d.state, Probability: d.probability})
			return
		}
	}

	img, err := preprocess.Decode(data)
	if err != nil {
		opLogger.Info("rejected upload", zap.String("filename", file.Filename), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image format", "request_id": requestID})
		return
	}

	state, prob, err := eyestate.Classify(img, h.modelServer)
	if err != nil {
		if errors.Is(err, preprocess.ErrEmptyImage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image has no pixels", "request_id": requestID})
			return
		}
		opLogger.Error("prediction failed", zap.Object("failure", logging.NewOperationError("handlers.predict_image", requestID, err)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed", "request_id": requestID})
		return
	}

	if h.decisions != nil {
		h.decisions.Add(key, cachedDecision{state: state.String(), probability: prob})
	}
	opLogger.Info("eye state predicted",
		zap.String("filename", file.Filename),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()),
		zap.String("state", state.String()),
		zap.Float64("probability", prob))
	c.JSON(http.StatusOK, model.PredictionResponse{RequestID: requestID, State: state.String(), Probability: prob})
}
