// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable: clients branch on them, never on
// messages. Generic codes mirror HTTP status semantics; relay-specific codes
// describe how a delivery or an upstream call went wrong.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "upstream_unavailable",
//	  "message": "chat backend unavailable"
//	}
package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-relay/internal/delivery"
	"github.com/tbourn/go-chat-relay/internal/domain"
	"github.com/tbourn/go-chat-relay/internal/repo"
	"github.com/tbourn/go-chat-relay/internal/services"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"
	ErrCodeUnavailable  = "service_unavailable"
	ErrCodeTimeout      = "timeout"
	ErrCodeNotSupported = "not_supported"

	// Relay-specific:
	ErrCodeDeliveryFailed      = "delivery_failed"
	ErrCodeDeliveryCanceled    = "delivery_canceled"
	ErrCodeUpstreamUnavailable = "upstream_unavailable"
	ErrCodeMethodNotAllowed    = "method_not_allowed"
)

// failFor writes the error envelope for err. Errors the relay does not
// classify are reported as upstream failures, since every read the handlers
// perform goes to the backend.
func failFor(c *gin.Context, err error, maxRunes int) {
	var de *domain.Error
	switch {
	case errors.Is(err, services.ErrEmptyContent):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
	case errors.Is(err, services.ErrTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
	case errors.Is(err, services.ErrInvalidMode):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "mode must be one of sync, stream, full")
	case errors.Is(err, delivery.ErrInvalidKey):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid idempotency key")
	case errors.Is(err, services.ErrUnknownSession):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no delivery recorded for key")
	case errors.Is(err, services.ErrNoLedger):
		fail(c, http.StatusNotImplemented, ErrCodeNotSupported, "attempt ledger disabled")
	case errors.Is(err, delivery.ErrClosed):
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "relay shutting down")
	case errors.As(err, &de) && de.Kind == domain.KindTimeout:
		fail(c, http.StatusGatewayTimeout, ErrCodeTimeout, de.Error())
	case errors.As(err, &de) && de.Kind == domain.KindCanceled:
		fail(c, http.StatusConflict, ErrCodeDeliveryCanceled, de.Error())
	case errors.As(err, &de) && (de.Kind == domain.KindJobFailed || de.Kind == domain.KindStreamProtocol):
		fail(c, http.StatusBadGateway, ErrCodeDeliveryFailed, de.Error())
	default:
		fail(c, http.StatusBadGateway, ErrCodeUpstreamUnavailable, err.Error())
	}
}
