package middleware

import (
	"strings"

	"streamsight/internal/core/services"
	"streamsight/pkg/errors"

	"github.com/gin-gonic/gin"
)

const subjectKey = "auth_subject"

// AuthMiddleware requires a valid "Authorization: Bearer <jwt>" header and
// stores the token subject in the gin context.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortUnauthorized(c, "bearer token required")
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func abortUnauthorized(c *gin.Context, message string) {
	appErr := errors.NewUnauthorizedError(message)
	c.Header("WWW-Authenticate", `Bearer realm="streamsight"`)
	c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response(c.GetString(requestIDKey)))
}
