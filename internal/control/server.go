package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/AMDEPYC/cpufreq-limiter/internal/limiter"
)

const (
	ErrnoHeader = "X-Limiter-Errno"

	attributesPath  = "/v1/attributes"
	maxRequestBytes = 4096
	shutdownTimeout = 5 * time.Second
)

var _ manager.Runnable = &Server{}

// Server exposes a Surface over HTTP:
//
//	GET /v1/attributes         list attribute names, one per line
//	GET /v1/attributes/{name}  read an attribute
//	PUT /v1/attributes/{name}  write the request body to an attribute
type Server struct {
	surface *Surface
	addr    string
	log     logr.Logger
}

func NewServer(surface *Surface, addr string, log logr.Logger) *Server {
	return &Server{surface: surface, addr: addr, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+attributesPath, s.list)
	mux.HandleFunc("GET "+attributesPath+"/{name}", s.read)
	mux.HandleFunc("PUT "+attributesPath+"/{name}", s.write)
	return mux
}

// Start serves until ctx is done and then shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.serve(ctx, listener)
}

func (s *Server) serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("serving control endpoint", "address", listener.Addr().String())
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control endpoint stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down control endpoint: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) list(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, strings.Join(s.surface.Attributes(), "\n")+"\n")
}

func (s *Server) read(w http.ResponseWriter, r *http.Request) {
	value, err := s.surface.Read(r.PathValue("name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, value)
}

func (s *Server) write(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		s.fail(w, fmt.Errorf("%w: request body: %w", limiter.ErrInvalidArgument, err))
		return
	}

	name := r.PathValue("name")
	n, err := s.surface.Write(name, string(body))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.log.V(4).Info("attribute written", "attribute", name, "bytes", n)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, strconv.Itoa(n)+"\n")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownAttribute):
		return http.StatusNotFound
	case errors.Is(err, ErrReadOnly):
		return http.StatusMethodNotAllowed
	case errors.Is(err, limiter.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, limiter.ErrResourceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	errno := Errno(err)
	w.Header().Set(ErrnoHeader, strconv.Itoa(errno))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusFor(err))
	_, _ = fmt.Fprintf(w, "%d %s\n", errno, err.Error())
}
