package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/peercall/internal/domain"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoSecret     = errors.New("relay secret is empty")
)

const DefaultTokenTTL = 7 * 24 * time.Hour

// Claims carries the relay identity. Subject is the user id.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() domain.UserID { return domain.UserID(c.Subject) }

// Authenticator issues and validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func NewAuthenticator(secret string, ttl time.Duration, clk clock.Clock) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, clock: clk}, nil
}

func (a *Authenticator) Issue(id domain.UserID, username string) (string, error) {
	if _, err := domain.NewContact(id, username); err != nil {
		return "", err
	}
	now := a.clock.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "peercall",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.clock.Now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}
	if err := claims.UserID().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// Authenticate reads the credential from the token query parameter, which
// browsers must use for websocket upgrades, or from a Bearer header.
func (a *Authenticator) Authenticate(r *http.Request) (*Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	return a.Validate(token)
}
