package middleware

import (
	"context"
	stderrors "errors"
	"net/http"

	"streamsight/internal/core/domain"
	"streamsight/pkg/circuitbreaker"
	"streamsight/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ToAppError maps service and domain errors onto API errors. Errors that
// already are AppErrors pass through.
func ToAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	var tooLarge *http.MaxBytesError
	switch {
	case stderrors.Is(err, domain.ErrReportNotFound):
		return errors.NewNotFoundError("report")
	case stderrors.As(err, &tooLarge):
		return errors.NewPayloadTooLargeError(tooLarge.Limit)
	case stderrors.Is(err, domain.ErrEmptyCapture):
		return errors.NewUnprocessableCaptureError("capture contains no usable packets", err)
	case stderrors.Is(err, domain.ErrUnsupportedSource):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "unsupported packet source", http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrMalformedInput):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "malformed packet input", http.StatusBadRequest)
	case stderrors.Is(err, circuitbreaker.ErrOpen):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "report store unavailable", http.StatusServiceUnavailable)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "analysis exceeded its time budget", http.StatusServiceUnavailable)
	}
	return nil
}

// ErrorHandlerMiddleware renders the last handler error as JSON. Errors
// that ToAppError cannot classify become a generic 500.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		requestID := c.GetString(requestIDKey)

		appErr := ToAppError(err)
		if appErr == nil {
			logger.Errorw("unhandled error",
				"error", err.Error(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"request_id", requestID,
			)
			c.JSON(http.StatusInternalServerError, errors.InternalError().Response(requestID))
			return
		}

		log := logger.Warnw
		if appErr.Server() {
			log = logger.Errorw
		}
		log("application error",
			"code", appErr.Code,
			"message", appErr.Message,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"request_id", requestID,
			"cause", appErr.Cause,
		)
		c.JSON(appErr.HTTPStatus, appErr.Response(requestID))
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
					"request_id", c.GetString(requestIDKey),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errors.InternalError().Response(c.GetString(requestIDKey)))
			}
		}()

		c.Next()
	}
}
