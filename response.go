package flowmq

import (
	"context"
	"sync"
	"time"
)

// CorrelationGenerator produces the next correlation_data token. The
// default generator cycles a 16-bit counter 1..65535 and encodes it
// big-endian with the minimum number of bytes.
type CorrelationGenerator func() []byte

// newCounterCorrelationGenerator returns the default CorrelationGenerator: a
// monotonic counter over [1, 65535] that wraps back to 1. Not safe for
// concurrent use by itself; ResponseContext serializes calls to it.
func newCounterCorrelationGenerator() CorrelationGenerator {
	var n uint32
	return func() []byte {
		n++
		if n > 65535 {
			n = 1
		}
		v := n
		if v <= 0xff {
			return []byte{byte(v)}
		}
		return []byte{byte(v >> 8), byte(v)}
	}
}

type pendingReply struct {
	resultCh chan *Message
}

// ResponseContext is a scoped request/reply facility bound to one response
// topic: it subscribes once, then lets callers issue correlated requests and
// await their individual replies without stepping on each other.
type ResponseContext struct {
	facade      *FastMQ
	topic       string
	qos         QoS
	defaultWait time.Duration
	generator   CorrelationGenerator

	mu      sync.Mutex
	pending map[string]*pendingReply
	ib      *IdentifiedBinding
	closed  bool
}

// ResponseOption configures a ResponseContext at Open time.
type ResponseOption func(*ResponseContext)

// WithResponseQoS sets the subscribe QoS used for the response topic.
func WithResponseQoS(qos QoS) ResponseOption {
	return func(rc *ResponseContext) { rc.qos = qos }
}

// WithResponseTimeout sets the default per-request timeout, used when
// Request is called without an explicit one.
func WithResponseTimeout(d time.Duration) ResponseOption {
	return func(rc *ResponseContext) { rc.defaultWait = d }
}

// WithCorrelationGenerator overrides the default counter-based token generator.
func WithCorrelationGenerator(gen CorrelationGenerator) ResponseOption {
	return func(rc *ResponseContext) { rc.generator = gen }
}

func newResponseContext(facade *FastMQ, topic string, opts ...ResponseOption) *ResponseContext {
	rc := &ResponseContext{
		facade:      facade,
		topic:       topic,
		qos:         0,
		defaultWait: 60 * time.Second,
		generator:   newCounterCorrelationGenerator(),
		pending:     make(map[string]*pendingReply),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Open subscribes to the context's response topic and starts routing
// replies to pending requests by correlation_data.
func (rc *ResponseContext) Open(ctx context.Context) error {
	b := newBinding(rc.topic, BindingOptions{
		QoS:            rc.qos,
		RetainHandling: DoNotSend,
	}, rc.onReply)

	ib, err := rc.facade.subs.Subscribe(ctx, b)
	if err != nil {
		return err
	}
	rc.mu.Lock()
	rc.ib = ib
	rc.mu.Unlock()
	return nil
}

// onReply is the internal handler installed on the response topic binding.
// It never itself publishes a reply: returning (nil, nil) keeps the
// dispatcher's automatic reply-emission path from firing for it.
func (rc *ResponseContext) onReply(msg *Message) (any, error) {
	if msg.Properties == nil || len(msg.Properties.CorrelationData) == 0 {
		rc.facade.logger.Error("reply with no correlation_data dropped", "topic", msg.Topic)
		return nil, nil
	}
	key := string(msg.Properties.CorrelationData)

	rc.mu.Lock()
	p, ok := rc.pending[key]
	if ok {
		delete(rc.pending, key)
	}
	rc.mu.Unlock()

	if !ok {
		rc.facade.logger.Warn("late or unmatched reply dropped", "topic", msg.Topic, "correlation", key)
		return nil, nil
	}
	p.resultCh <- msg
	return nil, nil
}

// Close unsubscribes from the response topic and cancels every outstanding
// request's promise immediately.
func (rc *ResponseContext) Close(ctx context.Context) error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil
	}
	rc.closed = true
	ib := rc.ib
	pending := rc.pending
	rc.pending = make(map[string]*pendingReply)
	rc.mu.Unlock()

	for _, p := range pending {
		close(p.resultCh)
	}

	if ib == nil {
		return nil
	}
	return rc.facade.subs.Unsubscribe(ctx, ByID(ib.ID), nil)
}

// Request publishes payload to topic with this context's response_topic and
// a fresh correlation token, then waits for the matching reply. A zero
// timeout uses the context's default. The caller's properties, if any, must
// not set ResponseTopic or CorrelationData themselves.
func (rc *ResponseContext) Request(ctx context.Context, topic string, payload []byte, timeout time.Duration, opts ...PublishOption) (*Message, error) {
	for _, opt := range opts {
		p := &PublishOptions{}
		opt(p)
		if p.Properties != nil && (p.Properties.ResponseTopic != "" || len(p.Properties.CorrelationData) > 0) {
			return nil, NewProtocolMisuseError("caller-supplied properties must not set response_topic or correlation_data")
		}
	}

	if timeout <= 0 {
		timeout = rc.defaultWait
	}

	token, err := rc.reserveToken()
	if err != nil {
		return nil, err
	}
	key := string(token)

	p := &pendingReply{resultCh: make(chan *Message, 1)}
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil, NewDisconnectedError("response context is closed", nil)
	}
	rc.pending[key] = p
	rc.mu.Unlock()

	cleanup := func() {
		rc.mu.Lock()
		delete(rc.pending, key)
		rc.mu.Unlock()
	}

	allOpts := append([]PublishOption{
		WithResponseTopic(rc.topic),
		WithCorrelationData(token),
	}, opts...)

	pubTok := rc.facade.client.Publish(topic, payload, allOpts...)
	if err := pubTok.Wait(ctx); err != nil {
		cleanup()
		return nil, NewTransportFaultError(err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-p.resultCh:
		if !ok {
			return nil, NewDisconnectedError("response context closed while request was in flight", nil)
		}
		return msg, nil
	case <-timer.C:
		cleanup()
		return nil, NewTimeoutError("no reply within timeout")
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

func (rc *ResponseContext) reserveToken() ([]byte, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	token := rc.generator()
	if _, exists := rc.pending[string(token)]; exists {
		return nil, NewConflictError("correlation token already in use")
	}
	return token, nil
}
