package sim

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/rendezvous/pkg/peer"
)

// BenchConfig sizes a bench run. Peers servers are started alongside
// Concurrency clients that split Searches between them.
type BenchConfig struct {
	Config
	Searches    int
	Concurrency int
}

// BenchReport is the outcome of a bench run.
type BenchReport struct {
	Searches int
	Failed   int
	Elapsed  time.Duration
}

// Rate returns completed searches per second.
func (r BenchReport) Rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Searches-r.Failed) / r.Elapsed.Seconds()
}

// Bench runs searches from many clients at once.
func Bench(ctx context.Context, cfg BenchConfig) (BenchReport, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	c, err := start(ctx, cfg.Config, cfg.Concurrency)
	if err != nil {
		return BenchReport{}, err
	}
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	begin := time.Now()
	for i, cl := range c.clients {
		n := cfg.Searches / cfg.Concurrency
		if i < cfg.Searches%cfg.Concurrency {
			n++
		}
		g.Go(func() error {
			return searchN(gctx, cl, n, &failed)
		})
	}
	err = g.Wait()
	report := BenchReport{Searches: cfg.Searches, Failed: int(failed.Load()), Elapsed: time.Since(begin)}
	return report, multierr.Append(err, c.stop())
}

func searchN(ctx context.Context, cl *peer.Client, n int, failed *atomic.Int64) error {
	for range n {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := cl.Search(ctx); err != nil {
			failed.Add(1)
		}
	}
	return nil
}
