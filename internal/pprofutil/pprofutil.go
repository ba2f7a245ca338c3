package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

var ErrPublicBind = errors.New("pprof addr must be loopback")

// Serve exposes /debug/pprof on addr until ctx is done. Non-loopback
// addresses are refused unless allowPublic is set.
func Serve(ctx context.Context, addr string, allowPublic bool, log zerolog.Logger) error {
	if !allowPublic && !isLoopbackBind(addr) {
		return fmt.Errorf("%w: %s", ErrPublicBind, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pprof listen failed: %w", err)
	}
	return serve(ctx, ln, log)
}

func serve(ctx context.Context, ln net.Listener, log zerolog.Logger) error {
	mux := chi.NewRouter()
	mux.Mount("/debug", chimw.Profiler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("url", "http://"+ln.Addr().String()+"/debug/pprof/").Msg("pprof enabled")
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
