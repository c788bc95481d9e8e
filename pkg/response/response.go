package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lowband-classroom/backend/internal/models"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	c.JSON(http.StatusBadRequest, Body{Success: false, Error: err})
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	c.JSON(http.StatusInternalServerError, Body{Success: false, Error: err})
}

// Error maps a classified error to its HTTP status and writes the envelope with the code.
// Unclassified errors are reported as 500 without leaking their text.
func Error(c *gin.Context, err error) {
	var e *models.Error
	if !errors.As(err, &e) {
		c.JSON(http.StatusInternalServerError, Body{Success: false, Error: "internal error", Code: string(models.CodeInternal)})
		return
	}
	c.JSON(StatusFor(e.Code), Body{Success: false, Error: e.Message, Code: string(e.Code)})
}

// StatusFor returns the HTTP status used for an error code.
func StatusFor(code models.ErrorCode) int {
	switch code {
	case models.CodeNotAuthorized:
		return http.StatusForbidden
	case models.CodeRoomNotFound:
		return http.StatusNotFound
	case models.CodeRoleConflict, models.CodePollNotOpen, models.CodeInvalidState:
		return http.StatusConflict
	case models.CodeInvalidPoll, models.CodeInvalidOption:
		return http.StatusBadRequest
	case models.CodeTransportFailure, models.CodeReconnectExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
