package transport

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/covenant/internal/config"
	"github.com/pitabwire/covenant/model"
)

// Claim path keys understood by actorFromClaims.
const (
	claimSubject = "subject_id"
	claimEmail   = "email"
	claimName    = "name"
	claimRoles   = "roles"
)

var defaultClaimPaths = map[string]string{
	claimSubject: "sub",
	claimEmail:   "email",
	claimName:    "name",
	claimRoles:   "roles",
}

// JWTAuthenticator returns middleware that verifies HMAC-signed bearer
// tokens from the Authorization header and stores the resulting Actor in
// the request context.
func JWTAuthenticator(cfg config.IdentityConfig, secret []byte) func(http.Handler) http.Handler {
	algorithms := cfg.Algorithms
	if len(algorithms) == 0 {
		algorithms = []string{jwt.SigningMethodHS256.Alg()}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(algorithms),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		if len(secret) == 0 {
			return nil, errors.New("no signing secret configured")
		}
		return secret, nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(auth[len("Bearer "):], claims, keyFunc)
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}
			if !token.Valid {
				WriteError(w, model.NewUnauthorizedError("Invalid token"))
				return
			}

			actor := actorFromClaims(claims, cfg.ClaimPaths)
			if err := actor.Validate(); err != nil {
				WriteError(w, model.NewUnauthorizedError("Token is missing subject or email"))
				return
			}
			client := clientInfo(r)
			actor.IPAddress = client.IPAddress
			actor.UserAgent = client.UserAgent

			next.ServeHTTP(w, r.WithContext(model.WithActor(r.Context(), &actor)))
		})
	}
}

// actorFromClaims builds an Actor using the configured claim paths. Paths
// are dot-separated for nested claims, e.g. "realm_access.roles".
func actorFromClaims(claims map[string]any, paths map[string]string) model.Actor {
	path := func(key string) string {
		if p, ok := paths[key]; ok && p != "" {
			return p
		}
		return defaultClaimPaths[key]
	}
	return model.Actor{
		ID:    claimString(claims, path(claimSubject)),
		Email: claimString(claims, path(claimEmail)),
		Name:  claimString(claims, path(claimName)),
		Roles: claimStringSlice(claims, path(claimRoles)),
	}
}

func lookupClaim(claims map[string]any, path string) any {
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func claimString(claims map[string]any, path string) string {
	v, _ := lookupClaim(claims, path).(string)
	return v
}

func claimStringSlice(claims map[string]any, path string) []string {
	switch raw := lookupClaim(claims, path).(type) {
	case []any:
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(raw)
	default:
		return nil
	}
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case strings.Contains(err.Error(), "signing method"):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}
