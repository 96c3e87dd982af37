// Package auth implements the optional password gate in front of the chat page.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ashureev/cpf-advisor/internal/config"
)

// CookieName is the cookie carrying the signed auth token.
const CookieName = "cpf_auth"

const issuer = "cpf-advisor"

var (
	// ErrWrongPassword is returned when the submitted password does not match.
	ErrWrongPassword = errors.New("password incorrect")
	// ErrInvalidToken is returned when the auth cookie is missing, expired, or forged.
	ErrInvalidToken = errors.New("invalid or expired auth token")
)

// Claims is the payload of the auth token. Subject holds the anonymous user ID.
type Claims struct {
	jwt.RegisteredClaims
}

// Gate checks passwords and issues and verifies auth cookies.
type Gate struct {
	password string
	hash     []byte
	secret   []byte
	ttl      time.Duration
	secure   bool
	now      func() time.Time
}

// NewGate creates a gate from configuration. secure controls the cookie Secure flag.
func NewGate(cfg config.AuthConfig, secure bool) *Gate {
	g := &Gate{
		password: cfg.Password,
		secret:   []byte(cfg.Secret),
		ttl:      cfg.TokenTTL,
		secure:   secure,
		now:      time.Now,
	}
	if cfg.PasswordHash != "" {
		g.hash = []byte(cfg.PasswordHash)
	}
	if g.ttl <= 0 {
		g.ttl = 12 * time.Hour
	}
	return g
}

// Enabled returns false when no password is configured; every request is then authorized.
func (g *Gate) Enabled() bool {
	return g != nil && (g.password != "" || len(g.hash) > 0)
}

// Check compares a submitted password against the configured hash or plain password.
func (g *Gate) Check(password string) error {
	if len(g.hash) > 0 {
		if err := bcrypt.CompareHashAndPassword(g.hash, []byte(password)); err != nil {
			return ErrWrongPassword
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(g.password)) != 1 {
		return ErrWrongPassword
	}
	return nil
}

// Issue signs a token for userID.
func (g *Gate) Issue(userID string) (string, error) {
	now := g.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign auth token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and checks it was issued to userID.
func (g *Gate) Verify(tokenString, userID string) error {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject != userID {
		return ErrInvalidToken
	}
	return nil
}

// Login checks password and, on success, sets the auth cookie for userID.
func (g *Gate) Login(w http.ResponseWriter, userID, password string) error {
	if err := g.Check(password); err != nil {
		return err
	}
	token, err := g.Issue(userID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(g.ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   g.secure,
	})
	return nil
}

// Authorized reports whether r carries a valid auth cookie for userID.
// It always returns true when the gate is disabled.
func (g *Gate) Authorized(r *http.Request, userID string) bool {
	if !g.Enabled() {
		return true
	}
	c, err := r.Cookie(CookieName)
	if err != nil {
		return false
	}
	return g.Verify(c.Value, userID) == nil
}

// HashPassword returns a bcrypt hash suitable for APP_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}
