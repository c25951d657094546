// Package sim drives a local tracker with simulated servers and clients.
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/rendezvous/pkg/peer"
	"github.com/ryandielhenn/rendezvous/pkg/tracker"
)

// Config describes a simulated deployment.
type Config struct {
	Addr          string
	Peers         int
	Rounds        int
	Window        time.Duration
	PollInterval  time.Duration
	SearchTimeout time.Duration
	// Secrets fixes the secret of server i when len(Secrets) > i.
	Secrets []int
	Logger  *zap.Logger
}

// Search is one search performed during a run.
type Search struct {
	Round  int
	Client string
	Result peer.Result
	Err    error
}

// Report summarizes a run.
type Report struct {
	Servers  []string // in start order
	Secrets  map[string]int
	Searches []Search
}

// Matches returns the number of searches that found at least one server.
func (r Report) Matches() int {
	n := 0
	for _, s := range r.Searches {
		if s.Err == nil && s.Result.Matched() {
			n++
		}
	}
	return n
}

type cluster struct {
	tracker *tracker.Tracker
	servers []*peer.Server
	clients []*peer.Client
	log     *zap.Logger
}

func start(ctx context.Context, cfg Config, clients int) (*cluster, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	tr, err := tracker.New(
		tracker.WithAddr(cfg.Addr),
		tracker.WithWindow(cfg.Window),
		tracker.WithPollInterval(cfg.PollInterval),
		tracker.WithLogger(log),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create tracker failed")
	}
	if err := tr.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "start tracker failed")
	}
	c := &cluster{tracker: tr, log: log}
	addr := tr.Addr().String()
	opts := []peer.Option{
		peer.WithPollInterval(cfg.PollInterval),
		peer.WithTrackerWindow(cfg.Window),
		peer.WithSearchTimeout(cfg.SearchTimeout),
		peer.WithLogger(log),
	}

	for i := range cfg.Peers {
		sopts := opts
		if i < len(cfg.Secrets) {
			sopts = append(append([]peer.Option(nil), opts...), peer.WithSecret(cfg.Secrets[i]))
		}
		s, err := peer.NewServer(fmt.Sprintf("S%d", i+1), sopts...)
		if err == nil {
			err = s.Connect(ctx, addr)
		}
		if err != nil {
			return nil, multierr.Append(errors.Wrap(err, "start server failed"), c.stop())
		}
		c.servers = append(c.servers, s)
	}
	for i := range clients {
		cl, err := peer.NewClient(fmt.Sprintf("C%d", i+1), opts...)
		if err == nil {
			err = cl.Connect(ctx, addr)
		}
		if err != nil {
			return nil, multierr.Append(errors.Wrap(err, "start client failed"), c.stop())
		}
		c.clients = append(c.clients, cl)
	}
	if err := c.awaitRegistration(ctx, cfg.PollInterval); err != nil {
		return nil, multierr.Append(err, c.stop())
	}
	return c, nil
}

// awaitRegistration waits until the tracker has processed every handshake so
// that the first broadcast reaches all servers.
func (c *cluster) awaitRegistration(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(max(poll/10, time.Millisecond))
	defer ticker.Stop()
	for {
		s := c.tracker.Stats()
		if s.Servers == len(c.servers) && s.Clients == len(c.clients) {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "await registration failed")
		case <-ticker.C:
		}
	}
}

// stop shuts servers and clients down, waits for their readers, then stops
// the tracker.
func (c *cluster) stop() error {
	var err error
	for _, s := range c.servers {
		err = multierr.Append(err, s.Shutdown())
	}
	for _, cl := range c.clients {
		err = multierr.Append(err, cl.Shutdown())
	}
	for _, s := range c.servers {
		s.Wait()
	}
	for _, cl := range c.clients {
		cl.Wait()
	}
	return multierr.Append(err, c.tracker.Shutdown())
}

// Run starts a tracker with cfg.Peers servers and cfg.Peers clients, lets
// every client search once per round, then tears everything down.
func Run(ctx context.Context, cfg Config) (Report, error) {
	c, err := start(ctx, cfg, cfg.Peers)
	if err != nil {
		return Report{}, err
	}
	report := Report{Secrets: make(map[string]int, len(c.servers))}
	for _, s := range c.servers {
		report.Servers = append(report.Servers, s.Name())
		report.Secrets[s.Name()] = s.Secret()
	}
	for round := range cfg.Rounds {
		for _, cl := range c.clients {
			if ctx.Err() != nil {
				return report, multierr.Append(ctx.Err(), c.stop())
			}
			r, err := cl.Search(ctx)
			if err != nil {
				c.log.Warn("search failed", zap.String("client", cl.Name()), zap.Error(err))
			}
			report.Searches = append(report.Searches, Search{Round: round + 1, Client: cl.Name(), Result: r, Err: err})
		}
	}
	return report, c.stop()
}
