package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/ctc-detector/internal/classify"
	"github.com/Brownie44l1/ctc-detector/internal/logging"
	"github.com/Brownie44l1/ctc-detector/internal/middleware"
	"github.com/Brownie44l1/ctc-detector/internal/model"
	"github.com/Brownie44l1/ctc-detector/internal/preprocess"
)

type Handler struct {
	predictors     map[model.Version]classify.Predictor
	maxUploadBytes int64
	log            *log.Logger
}

// TensorRequest carries a preprocessed 1×224×224×3 NHWC tensor.
type TensorRequest struct {
	Image        []float32 `json:"image"`
	ModelVersion string    `json:"model_version"`
}

func NewHandler(predictors map[model.Version]classify.Predictor, maxUploadBytes int64, logger *log.Logger) *Handler {
	return &Handler{
		predictors:     predictors,
		maxUploadBytes: maxUploadBytes,
		log:            logger,
	}
}

func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.POST("/predict", h.Predict)
	r.POST("/predict/image", h.PredictFromImage)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "models": h.loadedVersions()})
}

// Predict classifies a raw tensor posted as JSON.
func (h *Handler) Predict(c *gin.Context) {
	var req TensorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, classify.InvalidArguments(fmt.Errorf("invalid JSON: %w", err)))
		return
	}

	spec, predictor, status, failure := h.resolve(req.ModelVersion)
	if predictor == nil {
		c.JSON(status, failure)
		return
	}

	if len(req.Image) != model.InputSize() {
		c.JSON(http.StatusBadRequest, classify.InvalidArguments(
			fmt.Errorf("expected %d values, got %d", model.InputSize(), len(req.Image))))
		return
	}

	result, err := classify.Tensor(predictor, spec, req.Image)
	if err != nil {
		h.logError(c, "predict", err)
		c.JSON(http.StatusInternalServerError, classify.RuntimeError(err))
		return
	}

	c.JSON(http.StatusOK, result)
}

// PredictFromImage classifies a multipart upload in the "image" field.
// "model_version" is an optional form field.
func (h *Handler) PredictFromImage(c *gin.Context) {
	if c.Request.ContentLength > h.maxUploadBytes {
		h.tooLarge(c)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	header, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.tooLarge(c)
			return
		}
		result := classify.UsageError()
		result.Reason = "No image file provided. Use 'image' as the form field name"
		c.JSON(http.StatusBadRequest, result)
		return
	}

	spec, predictor, status, failure := h.resolve(c.PostForm("model_version"))
	if predictor == nil {
		c.JSON(status, failure)
		return
	}

	file, err := header.Open()
	if err != nil {
		h.logError(c, "open_upload", err)
		c.JSON(http.StatusBadRequest, classify.RuntimeError(err))
		return
	}
	defer file.Close()

	img, format, err := preprocess.Decode(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, classify.RuntimeError(err))
		return
	}

	h.log.WithFields(log.Fields{
		"request_id": c.GetString(middleware.ContextRequestID),
		"filename":   header.Filename,
		"format":     format,
		"width":      img.Bounds().Dx(),
		"height":     img.Bounds().Dy(),
		"version":    spec.Version,
	}).Debug("received image")

	result, err := classify.Image(predictor, spec, img)
	if err != nil {
		h.logError(c, "predict_image", err)
		c.JSON(http.StatusInternalServerError, classify.RuntimeError(err))
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, classify.InvalidArguments(
		fmt.Errorf("image exceeds %d bytes", h.maxUploadBytes)))
}

func (h *Handler) resolve(raw string) (model.Spec, classify.Predictor, int, classify.Result) {
	version, err := model.ParseVersion(raw)
	if err != nil {
		return model.Spec{}, nil, http.StatusBadRequest, classify.InvalidVersion(raw)
	}
	spec, err := model.Lookup(version)
	if err != nil {
		return model.Spec{}, nil, http.StatusBadRequest, classify.InvalidVersion(raw)
	}
	predictor, ok := h.predictors[version]
	if !ok || predictor == nil {
		return model.Spec{}, nil, http.StatusServiceUnavailable, classify.Unavailable(string(version))
	}
	return spec, predictor, http.StatusOK, classify.Result{}
}

func (h *Handler) loadedVersions() []string {
	versions := make([]string, 0, len(h.predictors))
	for v := range h.predictors {
		versions = append(versions, string(v))
	}
	sort.Strings(versions)
	return versions
}

func (h *Handler) logError(c *gin.Context, operation string, err error) {
	requestID := c.GetString(middleware.ContextRequestID)
	h.log.WithError(logging.NewOperationError(operation, requestID, err)).Error("prediction failed")
}
