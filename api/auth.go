package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ffs/balance-engine/ledger"
	"github.com/golang-jwt/jwt/v5"
)

// OwnerHeader identifies the caller when DevHeader is enabled and no bearer
// token is sent. Local development only.
const OwnerHeader = "X-Owner-ID"

type ownerKey struct{}

// Authenticator resolves the owner of every request. A bearer token is an
// HS256 JWT whose subject is the owner id.
type Authenticator struct {
	Secret    []byte
	DevHeader bool
}

var errNoOwner = errors.New("missing credentials")

func (a *Authenticator) owner(r *http.Request) (ledger.OwnerID, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return "", errors.New("authorization header must be a bearer token")
		}
		return a.parse(strings.TrimSpace(raw))
	}
	if a.DevHeader {
		if id := strings.TrimSpace(r.Header.Get(OwnerHeader)); id != "" {
			return ledger.OwnerID(id), nil
		}
	}
	return "", errNoOwner
}

func (a *Authenticator) parse(raw string) (ledger.OwnerID, error) {
	if len(a.Secret) == 0 {
		return "", errors.New("bearer tokens are not accepted: no signing secret configured")
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return ledger.OwnerID(claims.Subject), nil
}

// Middleware rejects requests without an owner with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := a.owner(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

// IssueToken signs a token for owner valid for ttl.
func (a *Authenticator) IssueToken(owner ledger.OwnerID, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   string(owner),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(a.Secret)
}

// ownerFrom is only valid behind Middleware.
func ownerFrom(ctx context.Context) ledger.OwnerID {
	owner, _ := ctx.Value(ownerKey{}).(ledger.OwnerID)
	return owner
}
