package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RunFunc is a blocking loop that returns when ctx is done or it fails.
type RunFunc func(ctx context.Context) error

// FuncService adapts a RunFunc to suture.Service.
type FuncService struct {
	name string
	run  RunFunc
}

func NewFuncService(name string, run RunFunc) *FuncService {
	return &FuncService{name: name, run: run}
}

func (s *FuncService) Serve(ctx context.Context) error {
	return s.run(ctx)
}

func (s *FuncService) String() string {
	return s.name
}

// HTTPServer is the part of *http.Server the service drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server and shuts it down gracefully when ctx ends.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return "http-server"
}
