package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ojp-proxy/ojp-go/client/dispatch"
	"github.com/ojp-proxy/ojp-go/internal/wire"
)

// amqpTransport is the client_dispatch.Transport backing one endpoint: a
// single AMQP broker connection, round-tripping each call through a
// fresh exclusive reply queue, grounded on the teacher's conn.go
// queryRPC/tx.go executeTransactionCommand request/reply pattern.
type amqpTransport struct {
	address  string
	deviceID string
	conn     *amqp.Connection
}

// dialAMQPTransport opens a connection to address and returns the
// dispatch.Transport wrapping it.
func dialAMQPTransport(address, deviceID string) (dispatch.Transport, error) {
	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, fmt.Errorf("dialing endpoint %s: %w", address, err)
	}
	return &amqpTransport{address: address, deviceID: deviceID, conn: conn}, nil
}

func (t *amqpTransport) Call(ctx context.Context, env wire.Envelope) (wire.Reply, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return wire.Reply{}, err
	}
	defer ch.Close()

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return wire.Reply{}, err
	}

	corrID := fmt.Sprintf("%d", time.Now().UnixNano())
	body, err := json.Marshal(env)
	if err != nil {
		return wire.Reply{}, err
	}

	if err := ch.PublishWithContext(ctx, "", t.deviceID, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	}); err != nil {
		return wire.Reply{}, err
	}

	msgs, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return wire.Reply{}, err
	}

	select {
	case <-ctx.Done():
		return wire.Reply{}, ctx.Err()
	case msg := <-msgs:
		if msg.CorrelationId != corrID {
			return wire.Reply{}, fmt.Errorf("correlation id mismatch")
		}
		var reply wire.Reply
		if err := json.Unmarshal(msg.Body, &reply); err != nil {
			return wire.Reply{}, err
		}
		return reply, nil
	}
}

// Ping round-trips a KindPing envelope, the probe behind this endpoint's
// health state (client/dispatch.Prober).
func (t *amqpTransport) Ping(ctx context.Context) error {
	reply, err := t.Call(ctx, wire.Envelope{Kind: wire.KindPing})
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("%s", reply.Error)
	}
	return nil
}

func (t *amqpTransport) Close() error {
	return t.conn.Close()
}
