package app

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	apperrors "github.com/vernite/realtime/internal/platform/errors"
	"github.com/vernite/realtime/internal/platform/requestctx"
)

const (
	tokenCookieName = "vernite_token"
	tokenQueryParam = "access_token"
)

// Claims are the handshake token claims. The subject is the user ID.
type Claims struct {
	Rooms []string `json:"rooms,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 handshake tokens.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator returns an authenticator for tokens signed with secret.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Authenticate resolves token into the identity trusted for the lifetime of
// the connection.
func (a *Authenticator) Authenticate(token string) (requestctx.Identity, error) {
	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return requestctx.Identity{}, apperrors.Wrap(apperrors.CodeUnauthenticated, "token has expired", err)
		}
		return requestctx.Identity{}, apperrors.Wrap(apperrors.CodeUnauthenticated, "invalid token", err)
	}
	if !parsed.Valid {
		return requestctx.Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "invalid token")
	}
	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return requestctx.Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "token has no subject")
	}
	return requestctx.Identity{UserID: userID, Rooms: claims.Rooms}, nil
}

// identify authenticates the request and stores the identity in its
// context.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" || s.auth == nil {
			if !s.cfg.AllowAnonymous {
				s.reject(w, r, "missing_token", apperrors.New(apperrors.CodeUnauthenticated, "authentication required"))
				return
			}
			next.ServeHTTP(w, r.WithContext(requestctx.WithIdentity(r.Context(), requestctx.Identity{})))
			return
		}
		identity, err := s.auth.Authenticate(token)
		if err != nil {
			s.reject(w, r, "invalid_token", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(requestctx.WithIdentity(r.Context(), identity)))
	})
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, reason string, err error) {
	s.metrics.IncRejected(reason)
	s.logger.Info("request unauthorized",
		zap.String("reason", reason),
		zap.String("path", r.URL.Path),
		zap.String("remote", remoteAddr(r)),
		zap.Error(err))
	writeError(w, err)
}

// tokenFromRequest reads the bearer header, then the query parameter used by
// browsers that cannot set headers on websocket upgrades, then the cookie.
func tokenFromRequest(r *http.Request) string {
	if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if token := strings.TrimSpace(after); token != "" {
			return token
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get(tokenQueryParam)); token != "" {
		return token
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

// remoteAddr prefers the first X-Forwarded-For hop.
func remoteAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
