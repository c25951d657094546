// Package main is the rendezvous entrypoint.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/rendezvous/internal/config"
	"github.com/ryandielhenn/rendezvous/internal/logging"
	"github.com/ryandielhenn/rendezvous/internal/sim"
	"github.com/ryandielhenn/rendezvous/internal/telemetry"
	"github.com/ryandielhenn/rendezvous/pkg/discovery"
	"github.com/ryandielhenn/rendezvous/pkg/peer"
	"github.com/ryandielhenn/rendezvous/pkg/tracker"
)

// Set with -ldflags at build time.
var (
	version = "dev"
	gitSHA  = "unknown"
)

var (
	cfg    = config.FromEnv()
	logger = zap.NewNop()

	benchSearches    int
	benchConcurrency int

	rootCmd = &cobra.Command{
		Use:           "rendezvous",
		Short:         "Tracker based rendezvous between servers and clients.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "validate config failed")
			}
			l, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger = l
			telemetry.SetBuildInfo(version, gitSHA)
			return nil
		},
	}

	trackerCmd = &cobra.Command{
		Use:   "tracker [name]",
		Short: "Starts a tracker.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTracker,
	}

	serverCmd = &cobra.Command{
		Use:   "server [name]",
		Short: "Starts a server holding a random secret.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServer,
	}

	clientCmd = &cobra.Command{
		Use:   "client [name]",
		Short: "Starts a client that searches once per round.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runClient,
	}

	simCmd = &cobra.Command{
		Use:   "sim [count]",
		Short: "Runs a tracker with count servers and count clients.",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 1 {
				return errors.New("at most one argument expected")
			}
			if len(args) == 1 {
				if _, err := parseCount(args[0]); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: runSim,
	}

	benchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Measures concurrent search throughput.",
		Args:  cobra.NoArgs,
		RunE:  runBench,
	}
)

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrap(err, "parse count argument failed")
	}
	if n <= 0 {
		return 0, errors.Errorf("count must be positive, got %d", n)
	}
	return n, nil
}

func nameArg(args []string, def string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return def
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func etcdClient() (*clientv3.Client, error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return nil, nil
	}
	cli, err := discovery.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		return nil, errors.Wrap(err, "create etcd client failed")
	}
	logger.Info("created etcd client", zap.Strings("endpoints", cli.Endpoints()))
	return cli, nil
}

// resolveTracker returns cfg.Addr, or the announced tracker when discovery
// is configured. In the latter case it follows the announcements until the
// returned release func is called and calls lost once the tracker is withdrawn.
func resolveTracker(ctx context.Context, lost func()) (string, func(), error) {
	cli, err := etcdClient()
	if err != nil || cli == nil {
		return cfg.Addr, func() {}, err
	}
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	addr, err := discovery.Resolve(rctx, cli)
	cancel()
	if err != nil {
		_ = cli.Close()
		return "", nil, errors.Wrap(err, "resolve tracker failed")
	}
	logger.Info("resolved tracker", zap.String("addr", addr))

	wctx, wcancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := discovery.Watch(wctx, cli, discovery.Follow(addr, logger, lost))
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("watch trackers failed", zap.Error(err))
		}
	}()
	release := func() {
		wcancel()
		<-done
		_ = cli.Close()
	}
	return addr, release, nil
}

func peerOptions() []peer.Option {
	return []peer.Option{
		peer.WithPollInterval(cfg.PollInterval),
		peer.WithTrackerWindow(cfg.Window),
		peer.WithSearchTimeout(cfg.SearchTimeout),
		peer.WithLogger(logger),
	}
}

func runTracker(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	tr, err := tracker.New(
		tracker.WithName(nameArg(args, "Tracker")),
		tracker.WithAddr(cfg.Addr),
		tracker.WithWindow(cfg.Window),
		tracker.WithPollInterval(cfg.PollInterval),
		tracker.WithLogger(logger),
	)
	if err != nil {
		return errors.Wrap(err, "new tracker failed")
	}
	if err := tr.Start(ctx); err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, tr.Shutdown()) }()

	cli, err := etcdClient()
	if err != nil {
		return err
	}
	if cli != nil {
		defer cli.Close()
		lease, cancel, err := discovery.Announce(ctx, cli, tr.Name(), tr.Addr().String(), discovery.DefaultTTL)
		if err != nil {
			return errors.Wrap(err, "announce tracker failed")
		}
		defer func() {
			cancel()
			_, _ = cli.Revoke(context.Background(), lease)
		}()
		logger.Info("announced tracker", zap.String("key", discovery.Key(tr.Name())))
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.AdminAddr != "" {
		g.Go(func() error { return tr.ServeAdmin(gctx, cfg.AdminAddr) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	addr, release, err := resolveTracker(ctx, stop)
	if err != nil {
		return err
	}
	defer release()
	s, err := peer.NewServer(nameArg(args, "S1"), peerOptions()...)
	if err != nil {
		return errors.Wrap(err, "new server failed")
	}
	if err := s.Connect(ctx, addr); err != nil {
		return err
	}
	fmt.Printf("%s holds %d\n", s.Name(), s.Secret())
	select {
	case <-ctx.Done():
	case <-s.Done():
		logger.Warn("tracker closed the connection")
	}
	err = s.Shutdown()
	s.Wait()
	return err
}

func runClient(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	addr, release, err := resolveTracker(ctx, stop)
	if err != nil {
		return err
	}
	defer release()
	c, err := peer.NewClient(nameArg(args, "C1"), peerOptions()...)
	if err != nil {
		return errors.Wrap(err, "new client failed")
	}
	if err := c.Connect(ctx, addr); err != nil {
		return err
	}
	for range cfg.Rounds {
		r, serr := c.Search(ctx)
		if serr != nil {
			err = serr
			break
		}
		printResult(os.Stdout, c.Name(), r)
	}
	err = multierr.Append(err, c.Shutdown())
	c.Wait()
	return err
}

func printResult(w io.Writer, client string, r peer.Result) {
	if !r.Matched() {
		fmt.Fprintf(w, "%s: no server holds %d\n", client, r.Value)
		return
	}
	fmt.Fprintf(w, "%s: %d held by %s\n", client, r.Value, strings.Join(r.Servers, ", "))
}

// printReport writes the secrets in server start order, then every search.
func printReport(w io.Writer, report sim.Report) {
	for _, name := range report.Servers {
		fmt.Fprintf(w, "%s holds %d\n", name, report.Secrets[name])
	}
	for _, s := range report.Searches {
		if s.Err != nil {
			fmt.Fprintf(w, "round %d %s: %v\n", s.Round, s.Client, s.Err)
			continue
		}
		fmt.Fprintf(w, "round %d ", s.Round)
		printResult(w, s.Client, s.Result)
	}
	fmt.Fprintf(w, "%d of %d searches matched\n", report.Matches(), len(report.Searches))
}

func simConfig() sim.Config {
	return sim.Config{
		Addr:          cfg.Addr,
		Peers:         cfg.Peers,
		Rounds:        cfg.Rounds,
		Window:        cfg.Window,
		PollInterval:  cfg.PollInterval,
		SearchTimeout: cfg.SearchTimeout,
		Logger:        logger,
	}
}

func runSim(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	sc := simConfig()
	if len(args) == 1 {
		sc.Peers, _ = parseCount(args[0])
	}
	report, err := sim.Run(ctx, sc)
	printReport(os.Stdout, report)
	return errors.Wrap(err, "run simulation failed")
}

func runBench(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	report, err := sim.Bench(ctx, sim.BenchConfig{
		Config:      simConfig(),
		Searches:    benchSearches,
		Concurrency: benchConcurrency,
	})
	if err != nil {
		return errors.Wrap(err, "run bench failed")
	}
	fmt.Printf("Completed %d searches (%d failed) in %s (%.2f searches/s)\n",
		report.Searches, report.Failed, report.Elapsed, report.Rate())
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "tracker address (RENDEZVOUS_ADDR)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	flags.DurationVar(&cfg.Window, "window", cfg.Window, "match aggregation window (RENDEZVOUS_WINDOW)")
	flags.IntVar(&cfg.Rounds, "rounds", cfg.Rounds, "searches per client (RENDEZVOUS_ROUNDS)")
	trackerCmd.Flags().StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin HTTP address (ADMIN_ADDR)")

	benchCmd.Flags().IntVarP(&benchSearches, "searches", "n", 500, "total searches")
	benchCmd.Flags().IntVarP(&benchConcurrency, "concurrency", "c", 8, "concurrent clients")
	benchCmd.Flags().IntVar(&cfg.Peers, "peers", cfg.Peers, "servers to start (RENDEZVOUS_PEERS)")

	rootCmd.AddCommand(trackerCmd, serverCmd, clientCmd, simCmd, benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
