// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	logger "github.com/containers/blockpool/pkg/log"
)

var (
	log = logger.Get("http")
)

const (
	shutdownTimeout = 5 * time.Second
)

// ServeMux is an HTTP request multiplexer which allows handlers to be
// unregistered.
type ServeMux struct {
	sync.RWMutex
	handlers map[string]http.Handler
	mux      *http.ServeMux
}

// NewServeMux creates a new ServeMux.
func NewServeMux() *ServeMux {
	return &ServeMux{
		handlers: make(map[string]http.Handler),
		mux:      http.NewServeMux(),
	}
}

// Handle registers the handler for the given pattern.
func (m *ServeMux) Handle(pattern string, handler http.Handler) {
	m.Lock()
	defer m.Unlock()
	m.handlers[pattern] = handler
	m.rebuild()
}

// HandleFunc registers the handler function for the given pattern.
func (m *ServeMux) HandleFunc(pattern string, fn func(http.ResponseWriter, *http.Request)) {
	m.Handle(pattern, http.HandlerFunc(fn))
}

// Unregister removes the handler for the given pattern.
func (m *ServeMux) Unregister(pattern string) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.handlers[pattern]; !ok {
		return
	}
	delete(m.handlers, pattern)
	m.rebuild()
}

// ServeHTTP implements http.Handler.
func (m *ServeMux) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m.RLock()
	mux := m.mux
	m.RUnlock()
	mux.ServeHTTP(w, req)
}

// rebuild recreates the underlying mux. The caller must hold the lock.
func (m *ServeMux) rebuild() {
	mux := http.NewServeMux()
	for pattern, handler := range m.handlers {
		mux.Handle(pattern, handler)
	}
	m.mux = mux
}

// Server is an HTTP server with a reconfigurable listening address.
type Server struct {
	sync.Mutex
	mux      *ServeMux
	server   *http.Server
	addr     string // actual listening address
	endpoint string // configured address
	doneCh   chan struct{}
}

// NewServer creates a new, stopped HTTP server.
func NewServer() *Server {
	return &Server{
		mux: NewServeMux(),
	}
}

// GetMux returns the request multiplexer of the server.
func (s *Server) GetMux() *ServeMux {
	return s.mux
}

// GetAddress returns the address the server is listening on.
func (s *Server) GetAddress() string {
	s.Lock()
	defer s.Unlock()
	return s.addr
}

// Start starts serving at the given address. An empty address disables
// the server.
func (s *Server) Start(addr string) error {
	s.Lock()
	defer s.Unlock()

	if s.server != nil {
		return nil
	}

	if addr == "" {
		log.Info("HTTP server disabled")
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr = ln.Addr().String()
	s.endpoint = addr
	s.doneCh = make(chan struct{})

	go func(srv *http.Server, doneCh chan struct{}) {
		defer close(doneCh)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.server, s.doneCh)

	log.Info("HTTP server listening on %s", s.addr)

	return nil
}

// Stop stops the server, without waiting for active connections.
func (s *Server) Stop() {
	s.Shutdown(false)
}

// Shutdown stops the server, optionally waiting for active connections
// to finish.
func (s *Server) Shutdown(wait bool) {
	s.Lock()
	defer s.Unlock()

	if s.server == nil {
		return
	}

	if wait {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error("HTTP server shutdown failed: %v", err)
		}
	} else {
		s.server.Close()
	}
	<-s.doneCh

	s.server = nil
	s.addr = ""
	s.endpoint = ""
}

// Reconfigure restarts the server if the listening address changed.
func (s *Server) Reconfigure(addr string) error {
	s.Lock()
	unchanged := s.server != nil && addr == s.endpoint
	s.Unlock()

	if unchanged {
		return nil
	}

	s.Shutdown(true)
	return s.Start(addr)
}
