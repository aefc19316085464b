package dispatcher

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/actions"
)

type Handler interface {
	Execute(ctx context.Context, a actions.Action) error
}

type HandlerFunc func(ctx context.Context, a actions.Action) error

func (f HandlerFunc) Execute(ctx context.Context, a actions.Action) error {
	return f(ctx, a)
}

// Chain runs every handler in order, whether or not the previous ones failed.
func Chain(handlers ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, a actions.Action) error {
		var errs []error
		for _, h := range handlers {
			if err := h.Execute(ctx, a); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// HandlerRegistry maps action type tags to the handlers that carry them out.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]Handler{}}
}

func (r *HandlerRegistry) Register(actionType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[actionType] = h
}

func (r *HandlerRegistry) Lookup(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[actionType]
	return h, ok
}

func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	return tags
}
