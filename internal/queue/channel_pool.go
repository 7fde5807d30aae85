package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPoolClosed is returned by Get after Close
var ErrPoolClosed = errors.New("channel pool is closed")

// ChannelPool shares one AMQP connection between goroutines through a fixed
// number of slots. A slot holds an open channel, or nil once its channel was
// lost; Get reopens empty slots, so a lost channel never shrinks the pool.
type ChannelPool struct {
	conn     *amqp.Connection
	exchange string
	slots    chan *amqp.Channel
	capacity int

	mu     sync.Mutex // guards closed and sends on slots
	closed bool
}

// NewChannelPool dials url and opens poolSize channels, each with the
// state exchange declared
func NewChannelPool(url, exchange string, poolSize int) (*ChannelPool, error) {
	if poolSize <= 0 {
		poolSize = 10
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	p := &ChannelPool{
		conn:     conn,
		exchange: exchange,
		slots:    make(chan *amqp.Channel, poolSize),
		capacity: poolSize,
	}

	for i := range poolSize {
		ch, err := p.open()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to open channel %d: %w", i, err)
		}
		p.slots <- ch
	}

	return p, nil
}

// Exchange returns the topic exchange states are published to
func (p *ChannelPool) Exchange() string {
	return p.exchange
}

func (p *ChannelPool) open() (*amqp.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err)
	}

	return ch, nil
}

// Get takes a slot, blocking until one is free or ctx is done. An empty or
// broker-closed slot is reopened; if that fails the slot goes back empty.
func (p *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	var ch *amqp.Channel
	select {
	case slot, ok := <-p.slots:
		if !ok {
			return nil, ErrPoolClosed
		}
		ch = slot
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if ch != nil && !ch.IsClosed() {
		return ch, nil
	}

	ch, err := p.open()
	if err != nil {
		p.release(nil)
		return nil, fmt.Errorf("failed to reopen channel: %w", err)
	}
	return ch, nil
}

// Return gives the slot taken by Get back. A closed ch leaves the slot empty
// for the next Get to reopen.
func (p *ChannelPool) Return(ch *amqp.Channel) {
	if ch != nil && ch.IsClosed() {
		ch = nil
	}
	p.release(ch)
}

func (p *ChannelPool) release(ch *amqp.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		if ch != nil {
			ch.Close()
		}
		return
	}

	select {
	case p.slots <- ch:
	default:
		// more returns than gets
		if ch != nil {
			ch.Close()
		}
	}
}

// Close closes every idle channel and the connection. Channels still
// borrowed are closed with the connection.
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	close(p.slots)
	for ch := range p.slots {
		if ch != nil && !ch.IsClosed() {
			ch.Close()
		}
	}

	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}

// Size returns the number of free slots
func (p *ChannelPool) Size() int {
	return len(p.slots)
}

// Capacity returns the number of slots
func (p *ChannelPool) Capacity() int {
	return p.capacity
}

func (p *ChannelPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
