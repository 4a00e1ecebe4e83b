package admin

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

const (
	passwordHeader = "X-Admin-Password"
	sessionSubject = "admin"
)

var ErrUnauthorized = errors.New("unauthorized")

// authenticator accepts the shared admin password (plain or bcrypt hash) or
// a session token issued by /login. An empty password disables admin access.
type authenticator struct {
	password string
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

func newAuthenticator(password, jwtSecret string, ttl time.Duration) *authenticator {
	secret := []byte(jwtSecret)
	if len(secret) == 0 {
		sum := sha256.Sum256([]byte("admin-session:" + password))
		secret = sum[:]
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &authenticator{password: password, secret: secret, ttl: ttl, now: time.Now}
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func (a *authenticator) checkPassword(given string) bool {
	if a.password == "" || given == "" {
		return false
	}
	if isBcryptHash(a.password) {
		return bcrypt.CompareHashAndPassword([]byte(a.password), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(a.password), []byte(given)) == 1
}

func (a *authenticator) issue() (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sessionSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "unable to sign session token")
	}
	return signed, expires, nil
}

func (a *authenticator) checkToken(raw string) error {
	if a.password == "" {
		return ErrUnauthorized
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(sessionSubject),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return errors.Wrap(ErrUnauthorized, err.Error())
	}
	return nil
}

func bearerToken(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

func (a *authenticator) authorize(r *http.Request) error {
	if token := bearerToken(r); token != "" {
		return a.checkToken(token)
	}
	given := r.Header.Get(passwordHeader)
	if given == "" {
		given = r.URL.Query().Get("password")
	}
	if !a.checkPassword(given) {
		return ErrUnauthorized
	}
	return nil
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.authorize(r); err != nil {
			writeError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
