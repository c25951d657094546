package peer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/rendezvous/pkg/wire"
)

// Result is the outcome of one search.
type Result struct {
	Value   int
	Servers []string
}

// Matched reports whether any server matched.
func (r Result) Matched() bool {
	return len(r.Servers) > 0
}

// Client registers with the tracker and issues searches.
type Client struct {
	link

	mu      sync.Mutex
	pending chan Result // nil while no search is outstanding
	value   int
	results []Result
	// abandoned counts searches that gave up after SRCH was sent. Their
	// results are still owed by the tracker and are discarded on arrival.
	abandoned int
	settled   chan struct{} // closed when abandoned drops to zero
}

var _ wire.Dispatcher = (*Client)(nil)

// NewClient creates a Client.
func NewClient(name string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	if err := o.apply(opts); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("empty client name")
	}
	if err := o.validateSearch(); err != nil {
		return nil, err
	}
	c := &Client{}
	c.init(name, o, "client")
	return c, nil
}

// Connect dials the tracker, sends HI and starts reading.
func (c *Client) Connect(ctx context.Context, addr string) error {
	return c.connect(ctx, addr, wire.Message{Verb: wire.VerbHi, Payload: c.name}, c)
}

// Search looks for servers holding a value drawn uniformly from
// [MinValue, MaxValue].
func (c *Client) Search(ctx context.Context) (Result, error) {
	return c.SearchValue(ctx, c.opts.value())
}

// SearchValue sends a search for v and blocks until the tracker reports the
// matching servers, ctx is done, the search timeout elapses or the
// connection closes. Only one search may be outstanding at a time. A search
// that follows an abandoned one is not sent until the abandoned result has
// arrived, since the tracker rejects a search while the previous window is open.
func (c *Client) SearchValue(ctx context.Context, v int) (Result, error) {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return Result{}, ErrSearchInProgress
	}
	slot := make(chan Result, 1)
	c.pending, c.value = slot, v
	settled := c.settled
	c.mu.Unlock()
	sent := false
	defer func() { c.release(slot, sent) }()

	timer := time.NewTimer(c.opts.searchTimeout)
	defer timer.Stop()
	timeout := func() error {
		return errors.Wrapf(ErrSearchTimeout, "value %d after %s", v, c.opts.searchTimeout)
	}

	if settled != nil {
		select {
		case <-settled:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
			return Result{}, timeout()
		case <-c.done:
			return Result{}, ErrNotConnected
		}
	}

	c.log.Info("searching", zap.Int("value", v))
	if err := c.send(wire.Message{Verb: wire.VerbSearch, Payload: strconv.Itoa(v)}); err != nil {
		return Result{}, errors.Wrap(err, "send search failed")
	}
	sent = true

	select {
	case r := <-slot:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timer.C:
		return Result{}, timeout()
	case <-c.done:
		return Result{}, ErrNotConnected
	}
}

// release clears the slot unless Dispatch already filled it. A sent search
// whose result has not arrived is counted as abandoned.
func (c *Client) release(slot chan Result, sent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != slot {
		return
	}
	c.pending = nil
	if !sent {
		return
	}
	c.abandoned++
	if c.settled == nil {
		c.settled = make(chan struct{})
	}
}

// Dispatch handles RSLT messages by releasing the waiting search.
func (c *Client) Dispatch(msg wire.Message) {
	if msg.Verb != wire.VerbResult {
		c.log.Debug("unexpected verb", zap.String("verb", msg.Verb))
		return
	}
	c.mu.Lock()
	if c.abandoned > 0 {
		c.abandoned--
		if c.abandoned == 0 {
			close(c.settled)
			c.settled = nil
		}
		c.mu.Unlock()
		c.log.Debug("discarding result of abandoned search", zap.String("servers", msg.Payload))
		return
	}
	slot := c.pending
	c.pending = nil
	r := Result{Value: c.value, Servers: wire.Names(msg.Payload)}
	if slot != nil {
		c.results = append(c.results, r)
	}
	c.mu.Unlock()

	if slot == nil {
		c.log.Debug("result without a pending search", zap.String("servers", msg.Payload))
		return
	}
	if r.Matched() {
		c.log.Info("match found", zap.Int("value", r.Value), zap.Strings("servers", r.Servers))
	} else {
		c.log.Info("no match found", zap.Int("value", r.Value))
	}
	slot <- r
}

// Results returns every result received so far, oldest first.
func (c *Client) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}
