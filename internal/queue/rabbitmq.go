package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

// consumerInfo holds a persistent consumer channel and its deliveries
type consumerInfo struct {
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// RabbitMQ mirrors job states to a topic exchange and consumes submission
// requests. States are routed as job.<status> so subscribers can bind to
// job.# or job.completed.
type RabbitMQ struct {
	pool        *ChannelPool
	consumers   map[string]*consumerInfo
	consumersMu sync.Mutex
}

// NewRabbitMQ connects to url and declares exchange
func NewRabbitMQ(url, exchange string, poolSize int) (*RabbitMQ, error) {
	pool, err := NewChannelPool(url, exchange, poolSize)
	if err != nil {
		return nil, err
	}

	return &RabbitMQ{
		pool:      pool,
		consumers: make(map[string]*consumerInfo),
	}, nil
}

// Publish sends state to the exchange. It implements jobs.Publisher.
func (c *RabbitMQ) Publish(ctx context.Context, state types.JobState) error {
	body, err := encodeState(state)
	if err != nil {
		return err
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get channel from pool: %w", err)
	}
	defer c.pool.Return(ch)

	err = ch.PublishWithContext(ctx,
		c.pool.Exchange(),        // exchange
		RoutingKey(state.Status), // routing key
		false,                    // mandatory
		false,                    // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   state.ID,
			Timestamp:   time.Now(),
			Body:        body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish to RabbitMQ: %w", err)
	}

	return nil
}

type rabbitMQMessage struct {
	delivery amqp.Delivery
	channel  *amqp.Channel
}

func (m *rabbitMQMessage) Body() []byte {
	return m.delivery.Body
}

func (m *rabbitMQMessage) DeliveryTag() uint64 {
	return m.delivery.DeliveryTag
}

// Receive waits for the next message on queueName. The queue is declared and
// bound to the exchange under its own name on first use, and one persistent
// consumer is kept per queue.
func (c *RabbitMQ) Receive(ctx context.Context, queueName string) (QueueMessage, error) {
	consumer, err := c.consumer(ctx, queueName)
	if err != nil {
		return nil, err
	}

	select {
	case delivery, ok := <-consumer.deliveries:
		if !ok {
			c.dropConsumer(queueName, consumer)
			return nil, errors.New("delivery channel closed")
		}
		return &rabbitMQMessage{delivery: delivery, channel: consumer.channel}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RabbitMQ) consumer(ctx context.Context, queueName string) (*consumerInfo, error) {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	if consumer, ok := c.consumers[queueName]; ok {
		return consumer, nil
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel from pool: %w", err)
	}

	deliveries, err := declareAndConsume(ch, c.pool.Exchange(), queueName)
	if err != nil {
		c.pool.Return(ch)
		return nil, err
	}

	consumer := &consumerInfo{channel: ch, deliveries: deliveries}
	c.consumers[queueName] = consumer
	return consumer, nil
}

// dropConsumer forgets a consumer whose deliveries ended and gives its slot
// back to the pool, so the next Receive reopens it.
func (c *RabbitMQ) dropConsumer(queueName string, consumer *consumerInfo) {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	if c.consumers[queueName] != consumer {
		return
	}
	delete(c.consumers, queueName)

	consumer.channel.Close()
	c.pool.Return(consumer.channel)
}

func declareAndConsume(ch *amqp.Channel, exchange, queueName string) (<-chan amqp.Delivery, error) {
	_, err := ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	if err := ch.QueueBind(queueName, queueName, exchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind queue %s: %w", queueName, err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		queueName, // queue
		"",        // consumer tag
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consume on %s: %w", queueName, err)
	}
	return deliveries, nil
}

func asDelivery(msg QueueMessage) (*rabbitMQMessage, error) {
	m, ok := msg.(*rabbitMQMessage)
	if !ok {
		return nil, fmt.Errorf("invalid message type %T", msg)
	}
	return m, nil
}

// Ack acknowledges msg on the channel that delivered it
func (c *RabbitMQ) Ack(_ context.Context, msg QueueMessage) error {
	m, err := asDelivery(msg)
	if err != nil {
		return err
	}
	if err := m.channel.Ack(m.delivery.DeliveryTag, false); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack rejects msg, optionally putting it back on the queue
func (c *RabbitMQ) Nack(_ context.Context, msg QueueMessage, requeue bool) error {
	m, err := asDelivery(msg)
	if err != nil {
		return err
	}
	if err := m.channel.Nack(m.delivery.DeliveryTag, false, requeue); err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

// Close cancels consumers and closes the pool
func (c *RabbitMQ) Close() error {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	for queueName, consumer := range c.consumers {
		if consumer.channel != nil {
			consumer.channel.Close()
		}
		delete(c.consumers, queueName)
	}

	return c.pool.Close()
}
