package flowmq

import "github.com/lucidmq/flowmq/codec"

// Payload wraps a message's raw bytes together with the decoder configured
// on the façade that received it. Decoding is lazy and repeatable: each
// Decode call re-runs the decoder rather than caching a prior result, since
// decoders are assumed cheap and pure.
type Payload struct {
	raw    []byte
	decode codec.Decoder
}

// Raw returns the undecoded payload bytes.
func (p Payload) Raw() []byte {
	return p.raw
}

// Decode unmarshals the payload into v using the owning façade's configured
// decoder.
func (p Payload) Decode(v any) error {
	if p.decode == nil {
		return NewConfigError("no payload decoder configured")
	}
	return p.decode(p.raw, v)
}

// Message is an inbound RawMessage enriched with a decoder-backed Payload
// view, the Subscription ID that demultiplexed it, the Binding whose
// handlers are being invoked, and a back-reference to the owning façade so
// handlers can reach its shared state bag.
type Message struct {
	*RawMessage

	// SubscriptionID is the first Subscription Identifier carried on the
	// PUBLISH, i.e. the one the Message Handler used to find this binding.
	SubscriptionID int

	// Binding is the binding whose handlers are being invoked for this
	// message. Multiple handlers on the same binding each receive a Message
	// pointing at the same Binding.
	Binding *Binding

	// Facade is the FastMQ instance that dispatched this message, giving
	// handlers access to its State bag and its Publish/OpenResponse methods.
	Facade *FastMQ

	payload Payload
}

func newMessage(raw *RawMessage, subID int, b *Binding, facade *FastMQ, decode codec.Decoder) *Message {
	return &Message{
		RawMessage:     raw,
		SubscriptionID: subID,
		Binding:        b,
		Facade:         facade,
		payload:        Payload{raw: raw.Payload, decode: decode},
	}
}

// Payload shadows the embedded RawMessage.Payload field, returning a
// decoder-backed view instead of the raw bytes. The raw bytes remain
// reachable via m.RawMessage.Payload.
func (m *Message) Payload() Payload {
	return m.payload
}

// Raw returns the message's undecoded payload bytes.
func (m *Message) Raw() []byte {
	return m.RawMessage.Payload
}

// State is a convenience accessor for m.Facade.State, nil-safe when the
// message was built outside of a connected façade (e.g. in tests).
func (m *Message) State() *StateBag {
	if m.Facade == nil {
		return nil
	}
	return m.Facade.State
}
