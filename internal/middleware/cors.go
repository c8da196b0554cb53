package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// CORSMethods overrides the allowed methods for a path prefix.
type CORSMethods struct {
	Prefix  string
	Methods []string
}

// CORS returns an Echo middleware that allows any origin and answers preflight
// requests itself. Register it with e.Pre so OPTIONS never reaches the router
// or any business logic. Paths under an override prefix advertise that
// override's methods instead of allowMethods; the first matching prefix wins.
func CORS(allowMethods, allowHeaders []string, overrides ...CORSMethods) echo.MiddlewareFunc {
	methods := strings.Join(allowMethods, ", ")
	headers := strings.Join(allowHeaders, ", ")

	type override struct{ prefix, methods string }
	byPrefix := make([]override, 0, len(overrides))
	for _, o := range overrides {
		byPrefix = append(byPrefix, override{
			prefix:  strings.TrimRight(o.Prefix, "/"),
			methods: strings.Join(o.Methods, ", "),
		})
	}
	methodsFor := func(path string) string {
		for _, o := range byPrefix {
			if path == o.prefix || strings.HasPrefix(path, o.prefix+"/") {
				return o.methods
			}
		}
		return methods
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			h.Set(echo.HeaderAccessControlAllowMethods, methodsFor(c.Request().URL.Path))
			h.Set(echo.HeaderAccessControlAllowHeaders, headers)

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}
