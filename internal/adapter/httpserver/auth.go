package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/fairyhunter13/distbuild/internal/auth"
	"github.com/fairyhunter13/distbuild/internal/domain"
)

// Header names for the two credential kinds.
const (
	HeaderConsumerKey = "X-Consumer-Key"
	HeaderWorkerToken = "X-Worker-Token"
	HeaderWorkerID    = "X-Worker-Id"
)

type consumerKey struct{}

// ConsumerFrom returns the authenticated consumer placed on the context by
// ConsumerAuth.
func ConsumerFrom(ctx context.Context) (domain.Consumer, bool) {
	c, ok := ctx.Value(consumerKey{}).(domain.Consumer)
	return c, ok
}

// AuthenticateConsumer resolves and verifies an X-Consumer-Key token value.
// Unknown key_id and bad secret are indistinguishable to the caller.
func AuthenticateConsumer(ctx context.Context, repo domain.ConsumerRepository, token string) (domain.Consumer, error) {
	if token == "" {
		return domain.Consumer{}, fmt.Errorf("%w: missing %s header", domain.ErrUnauthorized, HeaderConsumerKey)
	}
	c, err := repo.GetByKeyID(ctx, auth.KeyIDOf(token))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Consumer{}, fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)
		}
		return domain.Consumer{}, err
	}
	if !auth.VerifyToken(token, auth.KeyHash{SaltB64: c.KeySaltB64, DigestB64: c.KeyDigestB64}) {
		return domain.Consumer{}, fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)
	}
	if !c.Active {
		return domain.Consumer{}, fmt.Errorf("%w: consumer is disabled", domain.ErrForbidden)
	}
	return c, nil
}

// ConsumerAuth authenticates requests via the X-Consumer-Key header and
// stores the consumer on the request context.
func (s *Server) ConsumerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := AuthenticateConsumer(r.Context(), s.Consumers, r.Header.Get(HeaderConsumerKey))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := context.WithValue(r.Context(), consumerKey{}, c)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WorkerAuth gates the worker endpoints behind the shared bearer token. An
// unset server-side token is a deployment mistake and reads as 503, not 401.
func (s *Server) WorkerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cfg.WorkerSharedToken == "" {
			writeError(w, r, fmt.Errorf("%w: worker token not configured", domain.ErrUnavailable), nil)
			return
		}
		got := r.Header.Get(HeaderWorkerToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.Cfg.WorkerSharedToken)) != 1 {
			writeError(w, r, fmt.Errorf("%w: invalid worker token", domain.ErrUnauthorized), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// workerID returns the caller-declared worker identity, defaulting when the
// header is absent so claims are still attributable.
func workerID(r *http.Request) string {
	if id := r.Header.Get(HeaderWorkerID); id != "" {
		return id
	}
	return "unknown"
}
