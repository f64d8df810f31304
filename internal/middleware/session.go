package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-gateway/internal/response"
)

// AttemptAuthorizer reports whether a subject owns a live attempt.
type AttemptAuthorizer interface {
	Authorize(subject, attemptID string) error
}

// RequireAttemptOwner rejects requests for an :attempt_id the caller does
// not own. Unknown and foreign attempts are indistinguishable to the caller.
func RequireAttemptOwner(sessions AttemptAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		if err := sessions.Authorize(claims.Subject, c.Param("attempt_id")); err != nil {
			response.AbortFail(c, http.StatusNotFound, response.ErrAttemptNotFound)
			return
		}

		c.Next()
	}
}
