// Package discovery announces the tracker address in etcd and lets peers
// resolve it.
package discovery

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Prefix holds one key per announced tracker.
const Prefix = "/rendezvous/trackers/"

// DefaultTTL is the lease TTL in seconds.
const DefaultTTL = 10

// ErrNoTracker is returned when no tracker is announced.
var ErrNoTracker = errors.New("no tracker registered")

func NewClient(endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	return cli, errors.Wrap(err, "create etcd client failed")
}

// Key returns the key a tracker named name is announced under.
func Key(name string) string {
	return Prefix + name
}

// Announce stores addr under Key(name) bound to a lease that is kept alive
// until the returned cancel func is called.
func Announce(ctx context.Context, cli *clientv3.Client, name, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, errors.Wrap(err, "grant lease failed")
	}
	if _, err := cli.Put(ctx, Key(name), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, errors.Wrapf(err, "put %s failed", Key(name))
	}
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, errors.Wrap(err, "keep lease alive failed")
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// Trackers maps tracker names to addresses.
func Trackers(kvs []*mvccpb.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		name := strings.TrimPrefix(string(kv.Key), Prefix)
		if name == "" || len(kv.Value) == 0 {
			continue
		}
		out[name] = string(kv.Value)
	}
	return out
}

// First returns the address of the tracker with the lowest name.
func First(trackers map[string]string) (string, error) {
	if len(trackers) == 0 {
		return "", ErrNoTracker
	}
	names := make([]string, 0, len(trackers))
	for name := range trackers {
		names = append(names, name)
	}
	slices.Sort(names)
	return trackers[names[0]], nil
}

// List returns every announced tracker.
func List(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "get trackers failed")
	}
	return Trackers(resp.Kvs), nil
}

// Resolve returns the address peers should connect to.
func Resolve(ctx context.Context, cli *clientv3.Client) (string, error) {
	trackers, err := List(ctx, cli)
	if err != nil {
		return "", err
	}
	return First(trackers)
}

// Watch calls fn with the full tracker set whenever it changes, until ctx is done.
func Watch(ctx context.Context, cli *clientv3.Client, fn func(map[string]string)) error {
	trackers, err := List(ctx, cli)
	if err != nil {
		return err
	}
	fn(trackers)
	for resp := range cli.Watch(ctx, Prefix, clientv3.WithPrefix()) {
		if err := resp.Err(); err != nil {
			return errors.Wrap(err, "watch trackers failed")
		}
		trackers, err := List(ctx, cli)
		if err != nil {
			return err
		}
		fn(trackers)
	}
	return ctx.Err()
}

// Follow returns a Watch callback for a peer connected to addr. It logs every
// change of the tracker set and calls lost once addr is no longer announced.
func Follow(addr string, log *zap.Logger, lost func()) func(map[string]string) {
	var once sync.Once
	return func(trackers map[string]string) {
		log.Debug("trackers changed", zap.Any("trackers", trackers))
		for _, a := range trackers {
			if a == addr {
				return
			}
		}
		once.Do(func() {
			log.Warn("tracker withdrawn", zap.String("addr", addr))
			lost()
		})
	}
}
