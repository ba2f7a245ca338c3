package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"safnode/internal/outbound"
	"safnode/internal/pipeline"
	"safnode/internal/proto"
	"safnode/internal/saf"
)

const (
	maxRequestBody     = 1 << 20
	maxRetrieveTimeout = 2 * time.Minute
)

type sendRequest struct {
	Destination string `json:"destination"`
	Body        []byte `json:"body"`
	Text        string `json:"text,omitempty"`
	Priority    string `json:"priority,omitempty"`
	TTL         string `json:"ttl,omitempty"`
	Direct      bool   `json:"direct,omitempty"`
	Replicas    int    `json:"replicas,omitempty"`
}

type retrieveRequest struct {
	SinceMs    int64  `json:"since_ms,omitempty"`
	MaxCount   int    `json:"max_count,omitempty"`
	MaxBytes   int    `json:"max_bytes,omitempty"`
	Broad      bool   `json:"broad,omitempty"`
	NumClosest int    `json:"num_closest,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type retrieveResponse struct {
	pipeline.RetrievalResult
	Error string `json:"error,omitempty"`
}

// Router serves the node's local HTTP API.
func (r *Runner) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(chimw.RequestID)
	mux.Use(requestLogger(r.log))
	mux.Use(chimw.Recoverer)

	mux.Handle("/metrics", promhttp.HandlerFor(r.Metrics.Registry(), promhttp.HandlerOpts{}))
	mux.Route("/saf", func(sr chi.Router) {
		sr.Get("/stats", r.handleStats)
		sr.Get("/peers", r.handlePeers)
		sr.Get("/inbox", r.handleInbox)
		sr.Post("/send", r.handleSend)
		sr.Post("/retrieve", r.handleRetrieve)
	})
	return mux
}

func (r *Runner) serveHTTP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      r.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: maxRetrieveTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	r.log.Info().Str("addr", ln.Addr().String()).Msg("http api listening")
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownHTTPGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		r.log.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}

func (r *Runner) handleStats(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()
	st, err := r.Stats(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (r *Runner) handlePeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.Peers())
}

func (r *Runner) handleInbox(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.Inbox.List())
}

func (r *Runner) handleSend(w http.ResponseWriter, req *http.Request) {
	var in sendRequest
	if err := decodeBody(w, req, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dest, err := proto.DecodeNodeIDHex(in.Destination)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid destination")
		return
	}
	body := in.Body
	if len(body) == 0 {
		body = []byte(in.Text)
	}
	prio, err := ParsePriority(in.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var ttl time.Duration
	if in.TTL != "" {
		ttl, err = time.ParseDuration(in.TTL)
		if err != nil || ttl < 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
	}
	res, err := r.Send(req.Context(), dest, body, SendOptions{
		Priority: prio,
		TTL:      ttl,
		Direct:   in.Direct,
		Replicas: in.Replicas,
	})
	if err != nil {
		writeError(w, sendStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (r *Runner) handleRetrieve(w http.ResponseWriter, req *http.Request) {
	var in retrieveRequest
	if err := decodeBody(w, req, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := pipeline.RetrievalOptions{
		NumClosest: in.NumClosest,
		MaxCount:   in.MaxCount,
		MaxBytes:   in.MaxBytes,
		Broad:      in.Broad,
	}
	if in.SinceMs > 0 {
		opts.Since = time.UnixMilli(in.SinceMs)
	}
	if in.Timeout != "" {
		d, err := time.ParseDuration(in.Timeout)
		if err != nil || d <= 0 || d > maxRetrieveTimeout {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		opts.Timeout = d
	}
	res, err := r.Retrieve(req.Context(), opts)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, retrieveResponse{RetrievalResult: res})
	case errors.Is(err, pipeline.ErrPartialResult):
		writeJSON(w, http.StatusOK, retrieveResponse{RetrievalResult: res, Error: "partial"})
	case errors.Is(err, pipeline.ErrNoPeers):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func sendStatus(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, outbound.ErrNoPeers):
		return http.StatusServiceUnavailable
	case errors.Is(err, saf.ErrBusy):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, req *http.Request, v any) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxRequestBody)
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func requestLogger(log zerolog.Logger) func(next http.Handler) http.Handler {
	log = log.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				log.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
