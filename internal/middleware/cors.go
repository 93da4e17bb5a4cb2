package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// NewCORS wraps h with the CORS policy of the public API. Browser and
// web-view callers send the BaaS client headers along with the token.
func NewCORS(allowedOrigins []string) *cors.Cors {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:       allowedOrigins,
		AllowedMethods:       []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:       []string{"Authorization", "Content-Type", "apikey", "x-client-info"},
		OptionsSuccessStatus: http.StatusNoContent,
	})
}
