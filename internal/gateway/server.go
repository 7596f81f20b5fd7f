package gateway

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/core"
	"github.com/gantrygw/gantry/internal/logging"
)

// maxRequestBody caps inbound bodies read into memory.
const maxRequestBody = 32 << 20

// ServeHTTP adapts net/http requests onto the engine.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := fromHTTP(r)
	resp := e.Handle(r.Context(), req)
	writeResponse(w, resp)
}

func fromHTTP(r *http.Request) *core.Request {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		body = nil
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return &core.Request{
		ID:         r.Header.Get("X-Request-Id"),
		Method:     r.Method,
		Path:       r.URL.Path,
		Header:     r.Header.Clone(),
		Query:      r.URL.Query(),
		Body:       body,
		Host:       r.Host,
		Scheme:     scheme,
		ClientAddr: r.RemoteAddr,
		ReceivedAt: time.Now(),
	}
}

func writeResponse(w http.ResponseWriter, resp *core.Response) {
	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	if len(resp.Body) > 0 && h.Get("Content-Length") == "" {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

// Server runs the engine behind an http.Server with the configured listener
// settings and graceful shutdown.
type Server struct {
	engine *Engine
	srv    *http.Server
	cfg    config.ServerConfig
}

// NewServer wraps the engine for cfg's listener.
func NewServer(engine *Engine, cfg config.ServerConfig) *Server {
	var handler http.Handler = engine
	if cfg.Workers > 0 {
		handler = concurrencyLimit(handler, cfg.Workers)
	}
	return &Server{
		engine: engine,
		cfg:    cfg,
		srv: &http.Server{
			Addr:         cfg.Listen,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// concurrencyLimit bounds in-flight requests with a semaphore; excess
// requests wait rather than fail.
func concurrencyLimit(next http.Handler, workers int) http.Handler {
	sem := make(chan struct{}, workers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
}

// Run serves until ctx is canceled, then drains with a shutdown grace
// period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("listening",
			zap.String("addr", s.cfg.Listen),
			zap.Bool("tls", s.cfg.SSL.Enabled))
		var err error
		if s.cfg.SSL.Enabled {
			err = s.srv.ListenAndServeTLS(s.cfg.SSL.CertFile, s.cfg.SSL.KeyFile)
		} else {
			err = s.srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logging.Info("shutting down")
	return s.srv.Shutdown(shutdownCtx)
}
