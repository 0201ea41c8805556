package lock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broker is an in-process lock shared by the clients (tabs) created from it.
// Failed acquirers queue in order and receive the lock when the holder releases it.
type Broker struct {
	mu      sync.Mutex
	name    string
	holder  *Client
	waiters []*Client
}

// NewBroker returns a broker for the named lock.
func NewBroker(name string) *Broker {
	return &Broker{name: name}
}

// Client is one participant of a Broker.
type Client struct {
	broker   *Broker
	handle   Handle
	mu       sync.Mutex
	handlers handlers
}

var _ Locker = (*Client)(nil)

// Client returns a new participant.
func (b *Broker) Client() *Client {
	return &Client{broker: b}
}

// Holder reports the token of the current holder, or "".
func (b *Broker) Holder() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.holder == nil {
		return ""
	}
	return b.holder.handle.Token
}

// Revoke takes the lock away from its holder, as when the holding tab crashes,
// and hands it to the next waiter.
func (b *Broker) Revoke() {
	b.mu.Lock()
	lost := b.holder
	next := b.promote()
	b.mu.Unlock()

	if lost != nil {
		lost.changed(false)
	}
	if next != nil {
		next.changed(true)
	}
}

// promote must be called with b.mu held.
func (b *Broker) promote() *Client {
	if b.holder != nil {
		b.holder.handle = Handle{}
	}
	b.holder = nil
	if len(b.waiters) == 0 {
		return nil
	}
	next := b.waiters[0]
	b.waiters = b.waiters[1:]
	next.handle = newHandle(b.name)
	b.holder = next
	return next
}

func newHandle(name string) Handle {
	return Handle{Name: name, Token: uuid.NewString(), AcquiredAt: time.Now()}
}

func (c *Client) Acquire(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	b := c.broker
	b.mu.Lock()
	switch {
	case b.holder == c:
		h := c.handle
		b.mu.Unlock()
		return h, nil
	case b.holder == nil:
		c.handle = newHandle(b.name)
		b.holder = c
		h := c.handle
		b.mu.Unlock()
		c.changed(true)
		return h, nil
	}
	if !slices.Contains(b.waiters, c) {
		b.waiters = append(b.waiters, c)
	}
	b.mu.Unlock()
	return Handle{}, ErrHeld
}

func (c *Client) OnLockChange(handler func(held bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *Client) Release(ctx context.Context) error {
	b := c.broker
	b.mu.Lock()
	if b.holder != c {
		i := slices.Index(b.waiters, c)
		if i >= 0 {
			b.waiters = slices.Delete(b.waiters, i, i+1)
		}
		b.mu.Unlock()
		if i < 0 {
			return ErrNotHeld
		}
		return nil
	}
	next := b.promote()
	b.mu.Unlock()

	c.changed(false)
	if next != nil {
		next.changed(true)
	}
	return nil
}

// Handle returns the client's current capability, invalid when not holding.
func (c *Client) Handle() Handle {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.handle
}

func (c *Client) changed(held bool) {
	c.mu.Lock()
	hs := slices.Clone(c.handlers)
	c.mu.Unlock()
	hs.notify(held)
}
