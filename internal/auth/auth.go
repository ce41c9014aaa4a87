package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"muttley/internal/logging"
	"muttley/internal/metrics"
)

const realm = "muttley"

// Basic checks HTTP Basic credentials against one configured account.
type Basic struct {
	username string
	hash     []byte
	exempt   map[string]bool
}

// IsHash reports whether s looks like a bcrypt hash rather than plaintext.
func IsHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return strings.HasPrefix(s, "$2") && err == nil
}

// NewBasic builds the authenticator. password may be plaintext or a bcrypt
// hash (see IsHash); plaintext is hashed here and never kept. Requests to the
// exempt paths bypass authentication.
func NewBasic(username, password string, exempt ...string) (*Basic, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("auth: username and password are both required")
	}
	hash := []byte(password)
	if !IsHash(password) {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("auth: hash password: %w", err)
		}
	}
	b := &Basic{username: username, hash: hash, exempt: map[string]bool{}}
	for _, p := range exempt {
		b.exempt[p] = true
	}
	return b, nil
}

// Check validates a username/password pair.
func (b *Basic) Check(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(b.username)) == 1
	// Always pay for the bcrypt comparison so a wrong username costs the same.
	passOK := bcrypt.CompareHashAndPassword(b.hash, []byte(pass)) == nil
	return userOK && passOK
}

// Middleware requires valid credentials on every non-exempt request.
// A nil *Basic disables authentication.
func (b *Basic) Middleware(next http.Handler) http.Handler {
	if b == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := parseBasicAuth(r.Header.Get("Authorization"))
		if !ok || !b.Check(u, p) {
			metrics.RecordAuthFailure()
			logging.WithContext(r.Context()).Warn("authentication failed",
				zap.String("remote_addr", r.RemoteAddr),
				zap.Bool("credentials_sent", ok))
			deny(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(logging.WithUser(r.Context(), u)))
	})
}

func deny(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q, charset="UTF-8"`, realm))
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(v) < len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	u, p, found := strings.Cut(string(raw), ":")
	if !found || u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}
