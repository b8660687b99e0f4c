package flowmq

import (
	"reflect"
	"sync"
)

// handlerPointer returns the code pointer backing a Handler value, used to
// give otherwise-incomparable function values an identity for removal.
func handlerPointer(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// RetainHandling controls when a broker resends retained messages on a new
// subscription, mirroring the MQTT v5.0 SUBSCRIBE option of the same name.
type RetainHandling uint8

const (
	// SendOnSubscribe sends retained messages at the time of subscribe (default).
	SendOnSubscribe RetainHandling = 0
	// SendIfNewSub sends retained messages only if the subscription didn't already exist.
	SendIfNewSub RetainHandling = 1
	// DoNotSend never sends retained messages for this subscription.
	DoNotSend RetainHandling = 2
)

// BindingOptions are the per-binding MQTT v5.0 subscribe options merged
// across every handler registered under the same topic filter.
type BindingOptions struct {
	QoS               QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    RetainHandling
}

// BindingOption configures a Binding at registration time.
type BindingOption func(*BindingOptions)

// WithBindingQoS sets the subscribe QoS requested for a binding. When a
// filter is registered more than once, the stored binding keeps the highest
// of all requested QoS values.
func WithBindingQoS(qos QoS) BindingOption {
	return func(o *BindingOptions) { o.QoS = qos }
}

// WithBindingNoLocal sets the MQTT v5.0 No Local subscribe option.
func WithBindingNoLocal(noLocal bool) BindingOption {
	return func(o *BindingOptions) { o.NoLocal = noLocal }
}

// WithBindingRetainAsPublished sets the MQTT v5.0 Retain As Published subscribe option.
func WithBindingRetainAsPublished(retain bool) BindingOption {
	return func(o *BindingOptions) { o.RetainAsPublished = retain }
}

// WithBindingRetainHandling sets the MQTT v5.0 Retain Handling subscribe option.
func WithBindingRetainHandling(rh RetainHandling) BindingOption {
	return func(o *BindingOptions) { o.RetainHandling = rh }
}

// Handler processes a dispatched Message. A non-nil returned value is
// published back to the message's response_topic, carrying its correlation
// data; a non-nil error is logged and otherwise contained.
type Handler func(msg *Message) (any, error)

// Binding is a topic filter together with its ordered handler list and
// merged subscribe options. At most one Binding exists per filter within a
// given Router.
type Binding struct {
	Filter  string
	Options BindingOptions

	mu       sync.Mutex
	handlers []Handler
}

func newBinding(filter string, opts BindingOptions, handler Handler) *Binding {
	return &Binding{
		Filter:   filter,
		Options:  opts,
		handlers: []Handler{handler},
	}
}

// Handlers returns a snapshot of the binding's handler list in registration
// order. Safe to call concurrently with addHandler/removeHandler.
func (b *Binding) Handlers() []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

func (b *Binding) addHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// removeHandler drops h from the handler list by comparing underlying
// function pointers (func values are not comparable with ==, so reflection
// is used — two references to the very same function/closure value share a
// pointer, which is exactly the identity this needs). It reports whether the
// binding's handler list is now empty.
func (b *Binding) removeHandler(h Handler) (empty bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	target := handlerPointer(h)
	for i, existing := range b.handlers {
		if handlerPointer(existing) == target {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			break
		}
	}
	return len(b.handlers) == 0
}

func (b *Binding) handlerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
