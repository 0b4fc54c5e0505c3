package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/Defman/unleash-edge/internal/app/domain/edgetoken"
	apperrors "github.com/Defman/unleash-edge/internal/app/errors"
	"github.com/Defman/unleash-edge/pkg/logger"
)

type contextKey string

const tokenContextKey contextKey = "edge-token"

// TokenRegistrar resolves a token string to its validated record, issuing
// one upstream validation per unseen token.
type TokenRegistrar interface {
	Register(ctx context.Context, token string) (edgetoken.EdgeToken, error)
}

// wrapWithTokenValidation gates /api routes: unknown tokens are validated
// upstream before the request proceeds, and the token's type must match the
// surface it is used against. Frontend tokens may only reach /api/frontend
// or /api/proxy; client tokens may only reach /api/client; admin tokens pass
// on every path.
func wrapWithTokenValidation(next http.Handler, registrar TokenRegistrar, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := strings.TrimSpace(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, apperrors.Unauthorized("authorization header is required"))
			return
		}

		record, err := registrar.Register(r.Context(), tokenString)
		if err != nil {
			log.WithError(err).Debug("token validation rejected request")
			writeError(w, err)
			return
		}

		switch record.Status {
		case edgetoken.StatusValidated:
		case edgetoken.StatusInvalid:
			writeError(w, apperrors.TokenRevoked())
			return
		default:
			writeError(w, apperrors.TokenUnknown(tokenString))
			return
		}

		if !tokenTypeAllows(record.Type, r.URL.Path) {
			writeError(w, apperrors.WrongTokenType())
			return
		}

		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), tokenContextKey, record)))
	})
}

func tokenTypeAllows(tokenType edgetoken.TokenType, path string) bool {
	switch tokenType {
	case edgetoken.TypeFrontend:
		return strings.HasPrefix(path, "/api/frontend") || strings.HasPrefix(path, "/api/proxy")
	case edgetoken.TypeClient:
		return strings.HasPrefix(path, "/api/client")
	case edgetoken.TypeAdmin:
		return true
	default:
		return false
	}
}

// tokenFromContext returns the validated token the middleware attached.
func tokenFromContext(ctx context.Context) (edgetoken.EdgeToken, bool) {
	record, ok := ctx.Value(tokenContextKey).(edgetoken.EdgeToken)
	return record, ok
}
