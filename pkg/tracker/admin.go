package tracker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/rendezvous/internal/telemetry"
)

// Healthz returns 200 OK to indicate the tracker is alive.
func (t *Tracker) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, current time and registry sizes.
func (t *Tracker) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		Name string    `json:"name"`
		PID  int       `json:"pid"`
		Now  time.Time `json:"now"`
		Stats
		Servers []string `json:"server_names"`
		Clients []string `json:"client_names"`
	}
	data, err := json.Marshal(resp{
		Name:    t.name,
		PID:     os.Getpid(),
		Now:     time.Now(),
		Stats:   t.Stats(),
		Servers: t.Servers(),
		Clients: t.Clients(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// AdminHandler routes /healthz, /info and /metrics.
func (t *Tracker) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(t.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(t.Info)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// ServeAdmin serves AdminHandler on addr until ctx is done.
func (t *Tracker) ServeAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           t.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	t.log.Info("admin listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "serve admin on %s failed", addr)
	}
	return nil
}
