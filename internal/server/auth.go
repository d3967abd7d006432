package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"pipeyard/internal/repo"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	// EnableDevLogin exposes POST /auth/dev/login, which mints tokens for
	// any subject. Local use only.
	EnableDevLogin bool
	Logger         *log.Logger
}

// Principal is the authenticated caller. CompanyID is set for customer
// tokens scoped to one company; such callers only see and create that
// company's requests and inventory.
type Principal struct {
	ActorID   string
	CompanyID string
	Source    string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func unauthenticated() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func badCredentials() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", unauthenticated()
}

// companyScope resolves the company a call may act on. Unscoped callers get
// what they asked for; scoped callers default to their own company and are
// refused any other.
func companyScope(ctx context.Context, requested string) (string, huma.StatusError) {
	p, _ := principalFromContext(ctx)
	if p.CompanyID == "" {
		return requested, nil
	}
	if requested != "" && requested != p.CompanyID {
		return "", newAPIError(http.StatusForbidden, "not_authorized", "caller is scoped to another company",
			map[string]any{"company_id": p.CompanyID})
	}
	return p.CompanyID, nil
}

type yardClaims struct {
	jwt.RegisteredClaims
	Company string `json:"company,omitempty"`
}

func parseToken(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	claims := &yardClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{ActorID: claims.Subject, CompanyID: claims.Company, Source: "jwt"}, nil
}

func signDevToken(secret, subject, company string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, yardClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Company: company,
	}).SignedString([]byte(secret))
}

// authenticator resolves request credentials in order of strength: bearer
// token, api key, then the legacy actor header when it is allowed.
type authenticator struct {
	cfg  AuthConfig
	repo repo.Repo
}

func (a authenticator) principal(req *http.Request) (Principal, huma.StatusError) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return Principal{}, badCredentials()
		}
		p, err := parseToken(strings.TrimSpace(token), a.cfg.JWTSecret)
		if err != nil {
			return Principal{}, badCredentials()
		}
		return p, nil
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		stored, err := a.repo.GetAPIKeyByHash(req.Context(), repo.HashAPIKey(key))
		if err != nil || stored.ActorID == "" {
			return Principal{}, badCredentials()
		}
		return Principal{ActorID: stored.ActorID, Source: "api_key"}, nil
	}
	if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && a.cfg.AllowLegacyActorHeader {
		a.cfg.logger().Printf("WARNING: trusting X-Actor-Id without credentials (actor_id=%s)", actor)
		return Principal{ActorID: actor, Source: "legacy_header"}, nil
	}
	return Principal{}, unauthenticated()
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "openapi.json"):   true,
		path.Join(basePath, "auth/dev/login"): cfg.EnableDevLogin,
	}
	auth := authenticator{cfg: cfg, repo: r}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			outside := basePath != "" && !strings.HasPrefix(req.URL.Path, basePath)
			if outside || public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			p, err := auth.principal(req)
			if err != nil {
				respondStatusError(w, err)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
