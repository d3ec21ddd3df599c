package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobmarket/internal/api/dto"
	"github.com/cuongbtq/jobmarket/internal/domain"
)

// ActorHeader carries the authenticated user id set by the upstream gateway
const ActorHeader = "X-User-ID"

const actorKey = "actor_id"

// SetActor stores the caller's id on the request context
func SetActor(c *gin.Context, actorID string) {
	c.Set(actorKey, actorID)
}

func actor(c *gin.Context) string {
	return c.GetString(actorKey)
}

// respondError maps a domain error to its HTTP status and error body
func respondError(c *gin.Context, logger *slog.Logger, op string, err error) {
	status, body := errorResponse(err)

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			slog.String("op", op),
			slog.String("path", c.Request.URL.Path),
			slog.Any("error", err),
		)
	} else {
		logger.Info("Request rejected",
			slog.String("op", op),
			slog.String("code", body.Code),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(status, body)
}

func errorResponse(err error) (int, dto.ErrorResponse) {
	var (
		valErr      *domain.ValidationError
		stateErr    *domain.InvalidStateError
		dupErr      *domain.DuplicateBidError
		declinedErr *domain.PaymentDeclinedError
		gatewayErr  *domain.GatewayUnavailableError
		conflictErr *domain.ConflictError
		syncErr     *domain.SyncFailedError
		permErr     *domain.PermissionError
		retryErr    *domain.RetryableError
	)

	body := dto.ErrorResponse{Error: err.Error()}
	switch {
	case errors.As(err, &valErr):
		body.Code = dto.CodeValidation
		body.Fields = valErr.Fields
		return http.StatusBadRequest, body
	case errors.As(err, &stateErr):
		body.Code = dto.CodeInvalidState
		body.Current = stateErr.Current
		body.Version = stateErr.Version
		return http.StatusConflict, body
	case errors.As(err, &dupErr):
		body.Code = dto.CodeDuplicateBid
		return http.StatusConflict, body
	case errors.As(err, &declinedErr):
		body.Code = dto.CodePaymentDeclined
		return http.StatusPaymentRequired, body
	case errors.As(err, &gatewayErr):
		body.Code = dto.CodeGatewayUnavailable
		return http.StatusServiceUnavailable, body
	case errors.As(err, &conflictErr):
		body.Code = dto.CodeSyncConflict
		return http.StatusConflict, body
	case errors.As(err, &syncErr):
		body.Code = dto.CodeSyncFailed
		return http.StatusConflict, body
	case errors.As(err, &permErr):
		body.Code = dto.CodeForbidden
		return http.StatusForbidden, body
	case errors.Is(err, domain.ErrNotFound):
		body.Code = dto.CodeNotFound
		return http.StatusNotFound, body
	case errors.As(err, &retryErr):
		body.Code = dto.CodeUnavailable
		body.Error = "temporarily unavailable, retry later"
		return http.StatusServiceUnavailable, body
	default:
		body.Code = dto.CodeInternal
		body.Error = "internal error"
		return http.StatusInternalServerError, body
	}
}

func badRequest(c *gin.Context, logger *slog.Logger, msg string, err error) {
	logger.Info("Invalid request",
		slog.String("path", c.Request.URL.Path),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{
		Error: msg,
		Code:  dto.CodeValidation,
	})
}
