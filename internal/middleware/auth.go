package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"receipt-api/internal/models"
	"receipt-api/internal/response"
	"receipt-api/internal/services"
	"receipt-api/pkg/logging"
)

const identityKey = "identity"

// BearerAuthMiddleware establishes the caller identity from the
// Authorization header before any handler runs.
func BearerAuthMiddleware(verifier services.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortUnauthorized(c)
			return
		}

		identity, err := verifier.VerifyToken(c.Request.Context(), token)
		if err != nil {
			logging.Infof("Rejected bearer token from %s: %v", c.ClientIP(), err)
			abortUnauthorized(c)
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// CurrentIdentity returns the identity stored by BearerAuthMiddleware
func CurrentIdentity(c *gin.Context) (services.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return services.Identity{}, false
	}
	identity, ok := v.(services.Identity)
	return identity, ok && identity.UserID != ""
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func abortUnauthorized(c *gin.Context) {
	response.AbortVerification(c, http.StatusUnauthorized, models.VerificationResult{
		Valid:   false,
		Message: "Unauthorized",
	})
}
