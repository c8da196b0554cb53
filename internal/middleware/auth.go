package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"gateio-proxy/internal/userdata"
)

// identityKey is the echo.Context key holding the authenticated identity.
const identityKey = "sync_identity"

// Claims is the bearer token payload for the sync API. The subject is the
// user id; the remaining claims describe the account for profile refreshes.
type Claims struct {
	jwt.RegisteredClaims
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// IssueToken signs an HS256 token for the given identity.
func IssueToken(secret, issuer string, ttl time.Duration, id userdata.Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:   id.Email,
		Name:    id.DisplayName,
		Picture: id.PhotoURL,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// BearerAuth returns an Echo middleware that validates an HS256 bearer token
// and stores the caller's identity on the context. Browsers cannot set headers
// on websocket handshakes, so an access_token query parameter is accepted too.
func BearerAuth(secret, issuer string) echo.MiddlewareFunc {
	keyFunc := func(_ *jwt.Token) (any, error) { return []byte(secret), nil }
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearerToken(c)
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "bearer token required",
				})
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(raw, claims, keyFunc)
			if err != nil || !token.Valid || claims.Subject == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "invalid token",
				})
			}

			c.Set(identityKey, userdata.Identity{
				UID:         claims.Subject,
				Email:       claims.Email,
				DisplayName: claims.Name,
				PhotoURL:    claims.Picture,
			})
			return next(c)
		}
	}
}

// IdentityFrom returns the identity stored by BearerAuth.
func IdentityFrom(c echo.Context) (userdata.Identity, bool) {
	id, ok := c.Get(identityKey).(userdata.Identity)
	return id, ok
}

func bearerToken(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
		tok, found := strings.CutPrefix(h, "Bearer ")
		if !found {
			return ""
		}
		return strings.TrimSpace(tok)
	}
	return c.QueryParam("access_token")
}
