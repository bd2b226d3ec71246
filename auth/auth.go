package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when a request carries no credential.
	ErrMissingToken = errors.New("missing access token")
	// ErrInvalidToken is returned when the credential fails verification.
	ErrInvalidToken = errors.New("invalid access token")
)

// principalKey is the gin context key holding the authenticated Principal.
const principalKey = "auth.principal"

// Principal identifies the caller behind a verified token.
type Principal struct {
	Subject   string
	ExpiresAt time.Time
}

// Authenticator verifies a raw access token.
type Authenticator interface {
	Authenticate(token string) (Principal, error)
}

// ErrorResponse mirrors the API's JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// the "token" query parameter or the named cookie, in that order.
func TokenFromRequest(r *http.Request, cookieName string) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrInvalidToken
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value, nil
		}
	}
	return "", ErrMissingToken
}

// JWTAuthenticator accepts HS256-signed tokens carrying a subject.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewJWTAuthenticator builds an authenticator for the given secret. An empty
// issuer disables the issuer check.
func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTAuthenticator{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}
}

// Authenticate verifies the token signature and registered claims.
func (a *JWTAuthenticator) Authenticate(token string) (Principal, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return Principal{Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Issue signs a token for subject valid for ttl. Used by tooling and tests.
func (a *JWTAuthenticator) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects unauthenticated requests with 401 before any handler
// runs, and stores the Principal for the handlers that follow.
func Middleware(a Authenticator, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := TokenFromRequest(c.Request, cookieName)
		if err == nil {
			var p Principal
			if p, err = a.Authenticate(token); err == nil {
				c.Set(principalKey, p)
				c.Next()
				return
			}
		}

		message := "Invalid access token"
		if errors.Is(err, ErrMissingToken) {
			message = "Access token is required"
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
			Error:   http.StatusText(http.StatusUnauthorized),
			Message: message,
		})
	}
}

// PrincipalFrom returns the Principal stored by Middleware.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
