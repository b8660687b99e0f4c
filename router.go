package flowmq

import (
	"fmt"
	"sync"
)

// Router holds a list of topic Bindings and merges options when filters
// collide. Routers compose via Include, which lets an application assemble
// its topic surface from independently-authored modules before connecting.
type Router struct {
	mu       sync.Mutex
	order    []*Binding
	byFilter map[string]*Binding
	sealed   bool
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		byFilter: make(map[string]*Binding),
	}
}

// Register binds handler to filter. If a Binding for filter already exists,
// handler is appended to it, its QoS becomes max(existing, requested), and
// the other three flags must agree with what's already stored — a mismatch
// returns a *ConfigError. Otherwise a new Binding is created.
func (r *Router) Register(filter string, handler Handler, opts ...BindingOption) (*Binding, error) {
	merged := BindingOptions{RetainHandling: SendOnSubscribe}
	for _, opt := range opts {
		opt(&merged)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return nil, NewConfigError("cannot register on a sealed router")
	}

	if existing, ok := r.byFilter[filter]; ok {
		if err := checkFlagsAgree(existing.Options, merged); err != nil {
			return nil, err
		}
		if merged.QoS > existing.Options.QoS {
			existing.Options.QoS = merged.QoS
		}
		existing.addHandler(handler)
		return existing, nil
	}

	b := newBinding(filter, merged, handler)
	r.byFilter[filter] = b
	r.order = append(r.order, b)
	return b, nil
}

// OnMessage returns a decorator: calling it with a Handler registers that
// handler for filter and returns it unchanged, so it can be used as:
//
//	var h flowmq.Handler = router.OnMessage("a/b", flowmq.WithBindingQoS(1))(myHandler)
func (r *Router) OnMessage(filter string, opts ...BindingOption) func(Handler) Handler {
	return func(h Handler) Handler {
		if _, err := r.Register(filter, h, opts...); err != nil {
			// Registration conflicts under the decorator form have no error
			// return path; callers that need to observe them should call
			// Register directly instead.
			panic(err)
		}
		return h
	}
}

// Include merges every Binding of other into r, following the same
// merge-on-collision rule as Register. After Include returns, other is
// sealed: further Register calls on it fail with ConfigError.
func (r *Router) Include(other *Router) error {
	other.mu.Lock()
	bindings := make([]*Binding, len(other.order))
	copy(bindings, other.order)
	other.sealed = true
	other.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return NewConfigError("cannot include into a sealed router")
	}

	var firstErr error
	for _, b := range bindings {
		if existing, ok := r.byFilter[b.Filter]; ok {
			if err := checkFlagsAgree(existing.Options, b.Options); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if b.Options.QoS > existing.Options.QoS {
				existing.Options.QoS = b.Options.QoS
			}
			for _, h := range b.Handlers() {
				existing.addHandler(h)
			}
			continue
		}
		r.byFilter[b.Filter] = b
		r.order = append(r.order, b)
	}
	return firstErr
}

// Bindings returns a snapshot of the router's bindings in registration order.
func (r *Router) Bindings() []*Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Binding, len(r.order))
	copy(out, r.order)
	return out
}

func checkFlagsAgree(existing, incoming BindingOptions) error {
	if existing.NoLocal != incoming.NoLocal {
		return NewConfigError("different no_local")
	}
	if existing.RetainAsPublished != incoming.RetainAsPublished {
		return NewConfigError("different retain_as_published")
	}
	if existing.RetainHandling != incoming.RetainHandling {
		return NewConfigError(fmt.Sprintf("different retain_handling for filter (existing=%d incoming=%d)",
			existing.RetainHandling, incoming.RetainHandling))
	}
	return nil
}
