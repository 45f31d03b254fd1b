package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Handler serves /healthz with the worker's stats and pending count. The
// check fails when no poll happened within three intervals.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		st := w.Stats()
		body := map[string]any{"status": "ok", "worker": st}
		code := http.StatusOK
		if pending, err := w.svc.CountPending(r.Context()); err == nil {
			body["pending"] = pending
		} else {
			body["status"], code = "store_unavailable", http.StatusServiceUnavailable
		}
		if st.LastTick.IsZero() || w.now().Sub(st.LastTick) > 3*w.cfg.Interval {
			body["status"], code = "stalled", http.StatusServiceUnavailable
		}
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(code)
		_ = json.NewEncoder(rw).Encode(body)
	})
	return otelhttp.NewHandler(mux, "countersign-worker")
}

// ServeHealth listens on addr until ctx is done.
func (w *Worker) ServeHealth(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: w.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	w.log.Info("health endpoint listening", "addr", addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
