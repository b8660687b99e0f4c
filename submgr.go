package flowmq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

const (
	minSubscriptionID = 1
	maxSubscriptionID = 268435455 // 2^28 - 1, the MQTT v5.0 Subscription Identifier domain.
)

// IdentifiedBinding is a Binding plus the Subscription ID assigned to it by
// the broker-facing SUBSCRIBE that brought it to life.
type IdentifiedBinding struct {
	*Binding
	ID int
}

// SubscriptionManager allocates Subscription IDs, tracks which IdentifiedBinding
// owns each one, and issues the corresponding transport SUBSCRIBE/UNSUBSCRIBE
// calls. It is the demultiplexing key the Message Handler uses to route an
// inbound PUBLISH back to the bindings that produced it.
type SubscriptionManager struct {
	client *Client
	logger *slog.Logger

	mu    sync.Mutex
	free  []int // sorted ascending, smallest reused first
	next  int   // next unused ascending id
	byID  map[int]*IdentifiedBinding
	byTag map[string]*IdentifiedBinding // filter -> IdentifiedBinding, for Unsubscribe(by=topic)
}

func newSubscriptionManager(client *Client, logger *slog.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		client: client,
		logger: logger,
		next:   minSubscriptionID,
		byID:   make(map[int]*IdentifiedBinding),
		byTag:  make(map[string]*IdentifiedBinding),
	}
}

// capacity returns how many more IDs can still be allocated.
func (m *SubscriptionManager) capacity() int {
	if m.next > maxSubscriptionID {
		return len(m.free)
	}
	return len(m.free) + (maxSubscriptionID - m.next + 1)
}

// allocate must be called with m.mu held.
func (m *SubscriptionManager) allocate() (int, error) {
	if len(m.free) > 0 {
		id := m.free[0]
		m.free = m.free[1:]
		return id, nil
	}
	if m.next > maxSubscriptionID {
		return 0, NewResourceExhaustedError("subscription identifier pool exhausted")
	}
	id := m.next
	m.next++
	return id, nil
}

// release must be called with m.mu held.
func (m *SubscriptionManager) release(id int) {
	i := sort.SearchInts(m.free, id)
	m.free = append(m.free, 0)
	copy(m.free[i+1:], m.free[i:])
	m.free[i] = id
}

// Subscribe allocates an ID for binding, issues the transport SUBSCRIBE with
// that ID set as the Subscription Identifier property, and records the
// mapping. On any failure the ID is released and the binding is not tracked.
func (m *SubscriptionManager) Subscribe(ctx context.Context, b *Binding) (*IdentifiedBinding, error) {
	m.mu.Lock()
	id, err := m.allocate()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ib := &IdentifiedBinding{Binding: b, ID: id}
	m.byID[id] = ib
	m.byTag[b.Filter] = ib
	m.mu.Unlock()

	opts := []SubscribeOption{
		WithSubscriptionIdentifier(id),
		WithNoLocal(b.Options.NoLocal),
		WithRetainAsPublished(b.Options.RetainAsPublished),
		WithRetainHandling(uint8(b.Options.RetainHandling)),
	}

	// The forwarder handler is intentionally nil: the transport's own
	// topic-match dispatch then contributes nothing for this subscription,
	// leaving the registered default publish handler (the Message Handler's
	// single entry point) as the only thing invoked per inbound PUBLISH,
	// which then demultiplexes by Subscription ID instead of topic text.
	tok := m.client.Subscribe(b.Filter, b.Options.QoS, nil, opts...)
	if err := tok.Wait(ctx); err != nil {
		m.mu.Lock()
		delete(m.byID, id)
		delete(m.byTag, b.Filter)
		m.release(id)
		m.mu.Unlock()
		return nil, NewTransportFaultError(err)
	}

	return ib, nil
}

// subscribeOneResult pairs a Subscribe attempt with its originating binding.
type subscribeOneResult struct {
	binding *Binding
	ib      *IdentifiedBinding
	err     error
}

// SubscribeMany preflights that enough Subscription IDs remain for every
// binding, then issues the subscribes concurrently. On partial failure,
// already-assigned IDs remain valid; the returned slice has one entry per
// input binding (nil where that binding failed), alongside a combined error.
func (m *SubscriptionManager) SubscribeMany(ctx context.Context, bindings []*Binding) ([]*IdentifiedBinding, error) {
	m.mu.Lock()
	if m.capacity() < len(bindings) {
		m.mu.Unlock()
		return nil, NewResourceExhaustedError(fmt.Sprintf("need %d subscription identifiers, %d available", len(bindings), m.capacity()))
	}
	m.mu.Unlock()

	results := make([]subscribeOneResult, len(bindings))
	var wg sync.WaitGroup
	for i, b := range bindings {
		wg.Add(1)
		go func(i int, b *Binding) {
			defer wg.Done()
			ib, err := m.Subscribe(ctx, b)
			results[i] = subscribeOneResult{binding: b, ib: ib, err: err}
		}(i, b)
	}
	wg.Wait()

	out := make([]*IdentifiedBinding, len(bindings))
	var firstErr error
	for i, r := range results {
		out[i] = r.ib
		if r.err != nil {
			m.logger.Error("subscribe failed", "filter", r.binding.Filter, "error", r.err)
			if firstErr == nil {
				firstErr = r.err
			}
		}
	}
	return out, firstErr
}

// Lookup resolves a Subscription ID to its IdentifiedBinding. O(1).
func (m *SubscriptionManager) Lookup(id int) (*IdentifiedBinding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ib, ok := m.byID[id]
	return ib, ok
}

// UnsubscribeBy identifies which argument form Unsubscribe was called with.
type UnsubscribeBy struct {
	ID     int
	Filter string
	Bind   *Binding
}

func ByID(id int) UnsubscribeBy           { return UnsubscribeBy{ID: id} }
func ByFilter(filter string) UnsubscribeBy { return UnsubscribeBy{Filter: filter} }
func ByBinding(b *Binding) UnsubscribeBy  { return UnsubscribeBy{Bind: b} }

// Unsubscribe locates the IdentifiedBinding named by by. If handler is
// non-nil, only that handler is removed from the binding; the transport
// UNSUBSCRIBE and ID release happen only once the handler list is empty (or
// no handler was given at all).
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, by UnsubscribeBy, handler Handler) error {
	m.mu.Lock()
	ib := m.resolve(by)
	if ib == nil {
		m.mu.Unlock()
		return NewConfigError("unknown subscription")
	}
	m.mu.Unlock()

	shouldRemove := true
	if handler != nil {
		shouldRemove = ib.removeHandler(handler)
	}
	if !shouldRemove {
		return nil
	}

	tok := m.client.Unsubscribe(ib.Filter)
	if err := tok.Wait(ctx); err != nil {
		return NewTransportFaultError(err)
	}

	m.mu.Lock()
	delete(m.byID, ib.ID)
	delete(m.byTag, ib.Filter)
	m.release(ib.ID)
	m.mu.Unlock()
	return nil
}

// resolve must be called with m.mu held.
func (m *SubscriptionManager) resolve(by UnsubscribeBy) *IdentifiedBinding {
	if by.Bind != nil {
		for _, ib := range m.byID {
			if ib.Binding == by.Bind {
				return ib
			}
		}
		return nil
	}
	if by.Filter != "" {
		return m.byTag[by.Filter]
	}
	return m.byID[by.ID]
}
