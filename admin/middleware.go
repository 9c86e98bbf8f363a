package admin

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/stellar-expert/notifier/cfg"
	"github.com/stellar-expert/notifier/telemetry"
	"github.com/stellar/go/keypair"
)

// RoleAdmin grants access to every admin endpoint
const RoleAdmin = "admin"

const tokenScheme = "ed25519 "

type contextKey struct{}

// User is the caller resolved from the request credentials
type User struct {
	PublicKey string   `json:"pubkey,omitempty"`
	Roles     []string `json:"roles"`
}

func (u *User) IsInRole(role string) bool {
	return u != nil && slices.Contains(u.Roles, role)
}

func defaultAdmin() *User {
	return &User{Roles: []string{RoleAdmin}}
}

// UserFromContext returns the authenticated caller, or nil
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(contextKey{}).(*User)
	return u
}

// Authorizer resolves the caller of every request. Requests carry either
// the admin token or "<pubkey>.<signature>", where signature is the
// base64 ed25519 signature of the url-encoded request parameters. The
// parameters must include a nonce greater than any the key used before.
type Authorizer struct {
	enabled   bool
	token     string
	adminKeys map[string]struct{}
	nonces    *xsync.MapOf[string, int64]
}

// NewAuthorizer creates an authorizer from the admin configuration
func NewAuthorizer(config cfg.AdminConfiguration) *Authorizer {
	keys := make(map[string]struct{}, len(config.AdminKeys))
	for _, k := range config.AdminKeys {
		keys[k] = struct{}{}
	}
	return &Authorizer{
		enabled:   config.Authorization != "disabled",
		token:     config.AdminToken,
		adminKeys: keys,
		nonces:    xsync.NewMapOf[string, int64](),
	}
}

// Middleware attaches the resolved user to the request context. Requests
// with missing or invalid credentials continue anonymously.
func (a *Authorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := a.authenticate(r); user != nil {
			r = r.WithContext(context.WithValue(r.Context(), contextKey{}, user))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authorizer) authenticate(r *http.Request) *User {
	if !a.enabled {
		return defaultAdmin()
	}

	token := r.Header.Get("X-Access-Token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	token = strings.TrimPrefix(token, tokenScheme)
	if token == "" {
		return nil
	}
	if a.token != "" && token == a.token {
		return defaultAdmin()
	}

	pubkey, signature, ok := strings.Cut(token, ".")
	if !ok {
		telemetry.AuthFailuresTotal.With("malformed").Inc()
		return nil
	}

	params, err := requestParams(r)
	if err != nil || len(params) == 0 {
		telemetry.AuthFailuresTotal.With("malformed").Inc()
		return nil
	}
	nonce, err := strconv.ParseInt(params.Get("nonce"), 10, 64)
	if err != nil || nonce <= 0 {
		telemetry.AuthFailuresTotal.With("nonce").Inc()
		return nil
	}

	if !verifySignature(pubkey, params.Encode(), signature) {
		telemetry.AuthFailuresTotal.With("signature").Inc()
		log.Debug().Str("pubkey", pubkey).Msg("Rejected request signature")
		return nil
	}

	if !a.useNonce(pubkey, nonce) {
		telemetry.AuthFailuresTotal.With("nonce").Inc()
		log.Debug().Str("pubkey", pubkey).Int64("nonce", nonce).Msg("Rejected replayed nonce")
		return nil
	}

	user := &User{PublicKey: pubkey, Roles: []string{}}
	if _, ok := a.adminKeys[pubkey]; ok {
		user.Roles = append(user.Roles, RoleAdmin)
	}
	return user
}

// useNonce accepts nonce only if it is greater than the last one seen for
// pubkey
func (a *Authorizer) useNonce(pubkey string, nonce int64) bool {
	accepted := false
	a.nonces.Compute(pubkey, func(last int64, _ bool) (int64, bool) {
		if nonce > last {
			accepted = true
			return nonce, false
		}
		return last, false
	})
	return accepted
}

// requestParams returns the query of GET requests and the form body of
// everything else
func requestParams(r *http.Request) (url.Values, error) {
	if r.Method == http.MethodGet {
		return r.URL.Query(), nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return r.PostForm, nil
}

func verifySignature(pubkey, payload, signature string) bool {
	kp, err := keypair.ParseAddress(pubkey)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return kp.Verify([]byte(payload), sig) == nil
}

// UserRequired rejects anonymous requests with 401
func UserRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFromContext(r.Context()) == nil {
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RoleRequired rejects callers without role with 403
func RoleRequired(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !UserFromContext(r.Context()).IsInRole(role) {
				writeErrorResponse(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
