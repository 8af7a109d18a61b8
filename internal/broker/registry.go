package broker

import (
	"strings"
	"sync"

	"relay/internal/errors"
	"relay/internal/schema"
	"relay/pkg/exception"
)

// Registry selects a Factory by the credential's exchange name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds an exchange name (case-insensitive) to a factory.
func (r *Registry) Register(exchange string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(strings.TrimSpace(exchange))] = f
}

// Exchanges lists the registered exchange names.
func (r *Registry) Exchanges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}

func (r *Registry) New(creds schema.Credentials) (Adapter, error) {
	if !creds.Valid() {
		return nil, exception.ErrBrokerInvalidCredential
	}
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(creds.Exchange))]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(exception.ErrBrokerUnknownExchange, "exchange %q", creds.Exchange)
	}
	return f.New(creds)
}
