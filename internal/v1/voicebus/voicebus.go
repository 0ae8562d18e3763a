// Package voicebus is the AMQP link to the external voice server. This
// core never speaks WebRTC directly: every voice-affecting decision is
// published as an envelope on the requests queue, and the voice server's
// own state changes arrive back on the responses queue for the
// voice-response router to dispatch.
package voicebus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/collab-audio/roomcore/internal/v1/types"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	requestsQueue  = "voice.requests"
	responsesQueue = "voice.responses"
	consumerTag    = "roomcore"
)

// publisher is the slice of *amqp.Channel that Publish depends on; tests
// substitute a fake to assert on published envelopes without a broker.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Bus is the connection to the voice server's AMQP broker.
type Bus struct {
	conn  *amqp.Connection
	pubCh publisher
	log   *zap.Logger
}

// Connect dials addr (e.g. "amqp://127.0.0.1:5672/%2f"), declares both
// queues, and opens a dedicated publishing channel.
func Connect(addr string, log *zap.Logger) (*Bus, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("voicebus: failed to connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("voicebus: failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(requestsQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("voicebus: failed to declare requests queue: %w", err)
	}
	if _, err := ch.QueueDeclare(responsesQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("voicebus: failed to declare responses queue: %w", err)
	}

	return &Bus{conn: conn, pubCh: ch, log: log}, nil
}

// newBusWithPublisher wires a Bus around an already-open publisher,
// letting tests exercise Publish's envelope construction without a
// broker.
func newBusWithPublisher(p publisher, log *zap.Logger) *Bus {
	return &Bus{pubCh: p, log: log}
}

// Healthy reports whether the AMQP connection to the voice server is up.
// A nil *Bus (no voice server configured) reports healthy, consistent with
// Publish's no-op degradation.
func (b *Bus) Healthy() bool {
	if b == nil || b.conn == nil {
		return true
	}
	return !b.conn.IsClosed()
}

// Close tears down the channel and connection.
func (b *Bus) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	if ch, ok := b.pubCh.(*amqp.Channel); ok && ch != nil {
		ch.Close()
	}
	return b.conn.Close()
}

// Publish sends op/data to the voice server, addressed either to a single
// user (uid set) or scoped to a room by convention of what the caller puts
// in data. A nil *Bus is a no-op, letting callers run without a voice
// server configured (e.g. in tests exercising only room state).
func (b *Bus) Publish(ctx context.Context, op string, data any, uid string) error {
	if b == nil || b.pubCh == nil {
		return nil
	}
	envelope := types.VoiceServerRequest{Op: op, D: data, Uid: uid}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("voicebus: failed to marshal request: %w", err)
	}

	err = b.pubCh.Publish("", requestsQueue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("voicebus: failed to publish: %w", err)
	}
	return nil
}

// Consume starts delivering parsed voice-server responses to handle until
// ctx is cancelled. Malformed deliveries are acked and dropped (the voice
// server will not redeliver a message it already sent successfully).
func (b *Bus) Consume(ctx context.Context, handle func(types.VoiceServerResponse)) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("voicebus: failed to open consume channel: %w", err)
	}

	deliveries, err := ch.Consume(responsesQueue, consumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("voicebus: failed to start consuming: %w", err)
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				var resp types.VoiceServerResponse
				if err := json.Unmarshal(delivery.Body, &resp); err != nil {
					b.log.Warn("voicebus: dropping malformed response", zap.Error(err))
					delivery.Ack(false)
					continue
				}
				delivery.Ack(false)
				handle(resp)
			}
		}
	}()
	return nil
}
