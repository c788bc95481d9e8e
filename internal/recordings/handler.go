package recordings

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lowband-classroom/backend/pkg/response"
)

// Handler handles recording HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// CreateRequest is the body of POST /recordings.
type CreateRequest struct {
	RoomID string `json:"room_id" binding:"required"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	S3Key  string `json:"s3_key"`
}

// List handles GET /recordings?room_id=.
func (h *Handler) List(c *gin.Context) {
	roomID := c.Query("room_id")
	if roomID == "" {
		response.BadRequest(c, "room_id is required")
		return
	}
	items, err := h.svc.List(c.Request.Context(), roomID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err), zap.String("room_id", roomID))
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, items)
}

// Create handles POST /recordings.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	rec, err := h.svc.Append(c.Request.Context(), req.RoomID, req.Title, req.URL, req.S3Key)
	if errors.Is(err, ErrInvalidRecording) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("create recording failed", zap.Error(err), zap.String("room_id", req.RoomID))
		response.Internal(c, "failed to store recording")
		return
	}
	response.Created(c, rec)
}
