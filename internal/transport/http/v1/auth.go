package v1

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// adminOnly requires "Authorization: Bearer <token>". Without a configured
// token the guarded routes reject every request.
func adminOnly(token string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, _ echo.Context) (bool, error) {
			return token != "" && subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(_ error, c echo.Context) error {
			return errorJSON(c, http.StatusUnauthorized, "admin token required")
		},
	})
}
