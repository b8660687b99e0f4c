package flowmq

import (
	"context"
	"log/slog"

	"github.com/lucidmq/flowmq/codec"
)

// CleanStartMode selects how the façade's clean-start flag behaves across
// reconnects.
type CleanStartMode int

const (
	// CleanStartNo never requests a clean session.
	CleanStartNo CleanStartMode = iota
	// CleanStartAlways requests a clean session on every connect attempt,
	// including reconnects.
	CleanStartAlways
	// CleanStartFirstOnly requests a clean session only on the very first
	// connect attempt, preserving the server-side session across reconnects.
	CleanStartFirstOnly
)

// FastMQ is the glue façade: it aggregates the transport connector, the
// Subscription Manager, the Message Handler and a Response Context factory
// behind one Router-embedding object with a shared state bag.
type FastMQ struct {
	*Router

	client *Client
	subs   *SubscriptionManager
	disp   *dispatcher
	logger *slog.Logger

	State *StateBag

	server        string
	clientID      string
	cleanStart    CleanStartMode
	firstConnect  bool
	clientOpts    []Option
	encode        codec.Encoder
	decode        codec.Decoder
	onConnectUser func(*FastMQ)
}

// FacadeOption configures a FastMQ at construction time.
type FacadeOption func(*FastMQ)

// WithFacadeClientID sets the MQTT client identifier. If omitted, one is
// auto-generated.
func WithFacadeClientID(id string) FacadeOption {
	return func(f *FastMQ) { f.clientID = id }
}

// WithCleanStartMode selects the façade's clean-start policy across reconnects.
func WithCleanStartMode(mode CleanStartMode) FacadeOption {
	return func(f *FastMQ) { f.cleanStart = mode }
}

// WithClientOptions passes additional Options straight through to the
// underlying transport connector (TLS, credentials, keep-alive, and so on).
func WithClientOptions(opts ...Option) FacadeOption {
	return func(f *FastMQ) { f.clientOpts = append(f.clientOpts, opts...) }
}

// WithCodec sets the payload encoder/decoder pair used by Message.Payload
// and by handler replies that are not already []byte. Defaults to the
// identity codec, which passes []byte payloads through unchanged.
func WithCodec(enc codec.Encoder, dec codec.Decoder) FacadeOption {
	return func(f *FastMQ) {
		f.encode = enc
		f.decode = dec
	}
}

// WithFacadeLogger sets the logger used by the Message Handler and
// Response Contexts created from this façade.
func WithFacadeLogger(logger *slog.Logger) FacadeOption {
	return func(f *FastMQ) { f.logger = logger }
}

// WithFacadeOnConnect registers a callback invoked after every successful
// connect (initial and reconnects), in addition to anything passed via
// WithClientOptions.
func WithFacadeOnConnect(fn func(*FastMQ)) FacadeOption {
	return func(f *FastMQ) { f.onConnectUser = fn }
}

// New builds a FastMQ bound to server, applying opts. It does not connect;
// call Connect to establish the session.
func New(server string, opts ...FacadeOption) *FastMQ {
	f := &FastMQ{
		Router:     NewRouter(),
		State:      newStateBag(),
		server:     server,
		cleanStart: CleanStartFirstOnly,
		logger:     slog.Default(),
		encode:     codec.IdentityEncode,
		decode:     codec.IdentityDecode,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.clientID == "" {
		f.clientID = generateClientID()
	}
	return f
}

// Connect dials the transport, installs the Message Handler as its sole
// default publish handler, waits for the session to become usable, and then
// subscribes every binding already registered on the façade's Router.
func (f *FastMQ) Connect(ctx context.Context) error {
	f.firstConnect = true

	// subs and disp are built before DialContext so that disp.onRawMessage
	// can be wired in as the transport's default publish handler from the
	// very first CONNECT. Their client field is filled in once DialContext
	// returns; onRawMessage is never invoked before then.
	f.subs = newSubscriptionManager(nil, f.logger)
	f.disp = newDispatcher(f.subs, f.encode, f.decode, f.logger, f, nil)

	options := append([]Option{
		WithClientID(f.clientID),
		WithCleanSession(f.cleanStart != CleanStartNo),
		WithLogger(f.logger),
		WithDefaultPublishHandler(f.disp.onRawMessage),
		WithOnConnect(func(c *Client) {
			if f.cleanStart == CleanStartFirstOnly && f.firstConnect {
				f.firstConnect = false
				c.SetCleanSessionForReconnects(false)
			}
			if f.onConnectUser != nil {
				f.onConnectUser(f)
			}
		}),
	}, f.clientOpts...)

	client, err := DialContext(ctx, f.server, options...)
	if err != nil {
		return NewTransportFaultError(err)
	}
	f.client = client
	f.subs.client = client
	f.disp.publish = client.Publish

	return f.bindExistingRouter(ctx)
}

// bindExistingRouter subscribes every Binding already registered on the
// façade's embedded Router. Safe to call again after Connect to pick up
// bindings registered before the initial Connect.
func (f *FastMQ) bindExistingRouter(ctx context.Context) error {
	bindings := f.Router.Bindings()
	if len(bindings) == 0 {
		return nil
	}
	_, err := f.subs.SubscribeMany(ctx, bindings)
	return err
}

// Subscribe registers handler for topic on the façade's Router and, since
// the façade is already connected, immediately issues the subscription
// through the Subscription Manager. Unlike bindings registered before
// Connect (which are picked up automatically by bindExistingRouter),
// Subscribe is the entry point application code uses to add subscriptions
// dynamically at runtime.
func (f *FastMQ) Subscribe(handler Handler, topic string, opts ...BindingOption) (*IdentifiedBinding, error) {
	b, err := f.Router.Register(topic, handler, opts...)
	if err != nil {
		return nil, err
	}
	if f.subs == nil {
		return nil, NewConfigError("flowmq: Subscribe called before Connect")
	}
	return f.subs.Subscribe(context.Background(), b)
}

// Unsubscribe locates the subscription named by by (see ByID/ByFilter/
// ByBinding) and removes handler from it, if given. The transport UNSUBSCRIBE
// and Subscription ID release happen once the binding's handler list is
// empty, or immediately if no handler was specified.
func (f *FastMQ) Unsubscribe(by UnsubscribeBy, handler Handler) error {
	if f.subs == nil {
		return NewConfigError("flowmq: Unsubscribe called before Connect")
	}
	return f.subs.Unsubscribe(context.Background(), by, handler)
}

// Disconnect tears down the transport session. Safe to call more than once.
func (f *FastMQ) Disconnect(ctx context.Context) error {
	if f.client == nil {
		return nil
	}
	return f.client.Disconnect(ctx)
}

// OpenResponse opens a new ResponseContext bound to topic, using this
// façade's transport and subscription manager.
func (f *FastMQ) OpenResponse(ctx context.Context, topic string, opts ...ResponseOption) (*ResponseContext, error) {
	rc := newResponseContext(f, topic, opts...)
	if err := rc.Open(ctx); err != nil {
		return nil, err
	}
	return rc, nil
}

// Publish encodes v with the façade's configured encoder (if v is not
// already []byte) and publishes it to topic.
func (f *FastMQ) Publish(topic string, v any, opts ...PublishOption) Token {
	payload, ok := v.([]byte)
	if !ok {
		var err error
		payload, err = f.encode(v)
		if err != nil {
			t := newToken()
			t.complete(NewConfigError("encode: " + err.Error()))
			return t
		}
	}
	return f.client.Publish(topic, payload, opts...)
}

// Client returns the façade's underlying transport connector, for callers
// that need lower-level access (stats, raw subscribe, and so on).
func (f *FastMQ) Client() *Client {
	return f.client
}
