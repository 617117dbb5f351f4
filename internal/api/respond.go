package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/simbridge/internal/fault"
)

// Envelope status values.
const (
	statusSuccess = "success"
	statusError   = "error"
)

// envelope is the body of every JSON response.
type envelope struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Count     *int   `json:"count,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

func ok(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, envelope{
		Status:    statusSuccess,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
}

func okList[T any](c *gin.Context, items []T) {
	n := len(items)
	c.JSON(http.StatusOK, envelope{
		Status:    statusSuccess,
		Count:     &n,
		Timestamp: time.Now().UnixMilli(),
		Data:      items,
	})
}

func fail(c *gin.Context, err error) {
	c.Error(err)
	c.AbortWithStatusJSON(httpStatus(err), envelope{
		Status:    statusError,
		Message:   err.Error(),
		Kind:      string(fault.KindOf(err)),
		Reason:    string(fault.ReasonOf(err)),
		Timestamp: time.Now().UnixMilli(),
	})
}

// badRequest reports an unreadable request body as invalid parameters.
func badRequest(c *gin.Context, op string, err error) {
	fail(c, &fault.Error{Kind: fault.KindCommand, Reason: fault.ReasonInvalidParameters, Op: op, Err: err})
}

func errInvalid(msg string) error { return errors.New(msg) }

// httpStatus maps an error kind onto an HTTP status code.
func httpStatus(err error) int {
	switch fault.KindOf(err) {
	case fault.KindConfigNotFound:
		return http.StatusNotFound
	case fault.KindStartup:
		return http.StatusBadGateway
	case fault.KindConnection:
		return http.StatusServiceUnavailable
	case fault.KindDisconnected:
		return http.StatusConflict
	case fault.KindStall:
		return http.StatusInternalServerError
	case fault.KindCommand:
		switch fault.ReasonOf(err) {
		case fault.ReasonNotFound:
			return http.StatusNotFound
		case fault.ReasonInvalidParameters:
			return http.StatusBadRequest
		case fault.ReasonRejected:
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
