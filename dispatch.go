package flowmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lucidmq/flowmq/codec"
)

// dispatcher is installed as the sole DefaultPublishHandler of the
// underlying Client. Because every binding's transport-level subscription
// is made with a nil per-topic handler (see SubscriptionManager.Subscribe),
// the Client's own handler list is always empty for these subscriptions and
// falls back to this one, regardless of how many topic filters matched.
// Demultiplexing to the right Binding then happens here, by Subscription
// Identifier rather than by topic text.
type dispatcher struct {
	subs    *SubscriptionManager
	encode  codec.Encoder
	decode  codec.Decoder
	logger  *slog.Logger
	facade  *FastMQ
	publish func(topic string, payload []byte, opts ...PublishOption) Token
}

func newDispatcher(subs *SubscriptionManager, encode codec.Encoder, decode codec.Decoder, logger *slog.Logger, facade *FastMQ, publish func(string, []byte, ...PublishOption) Token) *dispatcher {
	return &dispatcher{subs: subs, encode: encode, decode: decode, logger: logger, facade: facade, publish: publish}
}

// onRawMessage is the Client.MessageHandler installed via
// WithDefaultPublishHandler. It never blocks the transport's single reader
// loop: each matched handler runs on its own goroutine.
func (d *dispatcher) onRawMessage(_ *Client, raw RawMessage) {
	ids := subscriptionIDs(&raw)
	if len(ids) == 0 {
		d.logger.Warn("message with no subscription identifier dropped", "topic", raw.Topic)
		return
	}

	for _, id := range ids {
		ib, ok := d.subs.Lookup(id)
		if !ok {
			d.logger.Warn("message for unknown subscription identifier dropped", "id", id, "topic", raw.Topic)
			continue
		}
		for _, h := range ib.Handlers() {
			go d.invoke(ib, id, raw, h)
		}
	}
}

func subscriptionIDs(raw *RawMessage) []int {
	if raw.Properties == nil {
		return nil
	}
	return raw.Properties.SubscriptionIdentifier
}

func (d *dispatcher) invoke(ib *IdentifiedBinding, id int, raw RawMessage, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "topic", raw.Topic, "subscription_id", id, "panic", r)
		}
	}()

	msg := newMessage(&raw, id, ib.Binding, d.facade, d.decode)
	result, err := h(msg)
	if err != nil {
		d.logger.Error("handler returned error", "topic", raw.Topic, "subscription_id", id, "error", err)
		return
	}
	if result == nil {
		return
	}
	d.reply(raw, result)
}

// reply publishes a non-nil handler result back to the originating
// message's response_topic, carrying its correlation_data forward. A
// handler that returns a non-nil value for a message with no response_topic
// is a protocol misuse and is logged rather than silently dropped.
func (d *dispatcher) reply(raw RawMessage, result any) {
	var responseTopic string
	var correlation []byte
	if raw.Properties != nil {
		responseTopic = raw.Properties.ResponseTopic
		correlation = raw.Properties.CorrelationData
	}
	if responseTopic == "" {
		d.logger.Error("handler produced a reply but message carried no response_topic",
			"error", NewProtocolMisuseError(fmt.Sprintf("topic %q has no response_topic", raw.Topic)))
		return
	}

	payload, ok := result.([]byte)
	if !ok {
		var err error
		payload, err = d.encodeResult(result)
		if err != nil {
			d.logger.Error("failed to encode reply payload", "topic", raw.Topic, "error", err)
			return
		}
	}

	opts := []PublishOption{WithQoS(raw.QoS)}
	if len(correlation) > 0 {
		opts = append(opts, WithCorrelationData(correlation))
	}
	tok := d.publish(responseTopic, payload, opts...)
	go func() {
		if err := tok.Wait(context.Background()); err != nil {
			d.logger.Error("failed to publish reply", "topic", responseTopic, "error", err)
		}
	}()
}

func (d *dispatcher) encodeResult(result any) ([]byte, error) {
	if d.encode == nil {
		return codec.JSONEncode(result)
	}
	return d.encode(result)
}
