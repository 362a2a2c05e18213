package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klingon-exchange/burrow/pkg/logging"
)

// trackerCleanupInterval drives eviction of idle per-IP entries.
const trackerCleanupInterval = 5 * time.Minute

// Server multiplexes every configured relay behind one listen address,
// resolving the relay by request hostname: <subdomain>.<domain>.
type Server struct {
	domain string
	relays map[string]*Relay // keyed by subdomain
	log    *logging.Logger

	httpServer *http.Server
	listener   net.Listener
	stop       chan struct{}
}

// NewServer builds the host server over the given relays.
func NewServer(domain string, relays []*Relay) *Server {
	bySubdomain := make(map[string]*Relay, len(relays))
	for _, r := range relays {
		bySubdomain[r.cfg.Subdomain] = r
	}
	return &Server{
		domain: domain,
		relays: bySubdomain,
		log:    logging.GetDefault().Component("server"),
		stop:   make(chan struct{}),
	}
}

// ServeHTTP routes a request to the relay addressed by its hostname.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	hostname := req.Host
	if host, _, err := net.SplitHostPort(req.Host); err == nil {
		hostname = host
	}

	if relay := s.resolve(hostname); relay != nil {
		relay.ServeHTTP(w, req)
		return
	}
	http.Error(w, fmt.Sprintf("relay not found for host %q", hostname), http.StatusNotFound)
}

func (s *Server) resolve(hostname string) *Relay {
	suffix := "." + s.domain
	if strings.HasSuffix(hostname, suffix) {
		if relay, ok := s.relays[strings.TrimSuffix(hostname, suffix)]; ok {
			return relay
		}
	}
	// A bare hostname addresses the relay whose subdomain matches exactly;
	// keeps single-relay deployments and local testing simple.
	if relay, ok := s.relays[hostname]; ok {
		return relay
	}
	return nil
}

// Start binds the listen address and serves until Shutdown.
func (s *Server) Start(listen string) error {
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", listen, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s}

	go s.cleanupLoop()

	s.log.Info("listening", "addr", listener.Addr().String(), "domain", s.domain, "relays", len(s.relays))
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections and drains active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(trackerCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for _, relay := range s.relays {
				relay.tracker.Cleanup()
			}
		}
	}
}
