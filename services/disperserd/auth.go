package disperserd

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	errAuthNotConfigured = errors.New("api credentials not configured")
	errMissingBearer     = errors.New("missing bearer token")
	errInvalidToken      = errors.New("invalid token")
	errOriginForbidden   = errors.New("origin not allowed")
)

// Credentials are the bearer credentials accepted on mutating requests. A
// request passes with either the static token or an HMAC-signed JWT.
type Credentials struct {
	Token     string
	JWTSecret string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Configured reports whether any credential is set.
func (c Credentials) Configured() bool {
	return strings.TrimSpace(c.Token) != "" || strings.TrimSpace(c.JWTSecret) != ""
}

type authenticator struct {
	token  []byte
	secret []byte
	opts   []jwt.ParserOption
	logger *slog.Logger
}

func newAuthenticator(creds Credentials, logger *slog.Logger) *authenticator {
	skew := creds.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(skew),
		jwt.WithExpirationRequired(),
	}
	if issuer := strings.TrimSpace(creds.Issuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(creds.Audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &authenticator{
		token:  []byte(strings.TrimSpace(creds.Token)),
		secret: []byte(strings.TrimSpace(creds.JWTSecret)),
		opts:   opts,
		logger: logger,
	}
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.token) == 0 && len(a.secret) == 0 {
			writeError(w, http.StatusUnauthorized, errAuthNotConfigured)
			return
		}
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, errMissingBearer)
			return
		}
		if err := a.verify(token); err != nil {
			a.logger.Warn("api token rejected",
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, errInvalidToken)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *authenticator) verify(token string) error {
	if len(a.token) > 0 && subtle.ConstantTimeCompare([]byte(token), a.token) == 1 {
		return nil
	}
	if len(a.secret) == 0 {
		return errInvalidToken
	}
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, a.opts...)
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errInvalidToken
	}
	return nil
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// checkOrigin rejects browser requests from origins other than the API's own
// host and the configured patterns. Requests without an Origin header are
// not browser initiated and pass through to authentication.
func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !originAllowed(origin, r.Host, s.origins) {
			s.logger.Warn("cross-origin request rejected",
				slog.String("origin", origin),
				slog.String("path", r.URL.Path))
			writeError(w, http.StatusForbidden, errOriginForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed matches the origin host the same way the websocket upgrade
// matches OriginPatterns.
func originAllowed(origin, host string, patterns []string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, host) {
		return true
	}
	for _, pattern := range patterns {
		if ok, _ := path.Match(strings.ToLower(pattern), strings.ToLower(u.Host)); ok {
			return true
		}
	}
	return false
}
