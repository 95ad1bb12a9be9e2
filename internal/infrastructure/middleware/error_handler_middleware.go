package middleware

import (
	"net/http"

	"pepehouse/pkg/errors"
	"pepehouse/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error. Application errors keep their status and code.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		reqLog := logger.FromContext(c.Request.Context(), log)

		appErr := errors.GetAppError(err)
		switch {
		case appErr == nil:
			reqLog.Errorw("Unhandled request error", "error", err)
			appErr = errors.NewInternalError("Internal server error")
		case appErr.HTTPStatus >= http.StatusInternalServerError:
			reqLog.Errorw("Request failed", "code", appErr.Code, "error", err)
		default:
			reqLog.Debugw("Request rejected", "code", appErr.Code, "error", err)
		}
		c.JSON(appErr.HTTPStatus, errorBody(appErr))
	}
}

func errorBody(appErr *errors.AppError) gin.H {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.FromContext(c.Request.Context(), log).Errorw("Panic recovered", "panic", rec)
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					errorBody(errors.NewInternalError("Internal server error")))
			}
		}()

		c.Next()
	}
}
