package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatrelay/relay/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// ErrBindFailure marks a failure to claim the listening socket at
// startup. Fatal: the process must not run without its port.
var ErrBindFailure = errors.New("bind failure")

// Server owns the listening socket, accepts connections, and spawns one
// session worker per client.
type Server struct {
	config   ServerConfig
	registry *Registry
	router   *Router
	blobs    BlobSink
	events   EventLogger
	metrics  *Metrics

	listener   net.Listener
	httpServer *http.Server

	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time

	connectionsTotal atomic.Uint64

	// Connection deltas for the periodic stats report
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// Summary reports the broker's lifetime counters, returned by Stop.
type Summary struct {
	StartedAt        time.Time
	StoppedAt        time.Time
	Uptime           time.Duration
	TotalConnections uint64
	TotalMessages    uint64
}

// NewServer creates a server with the given collaborators. blobs and
// events may be nil; the broker then runs without persistence or
// structured event logging (useful in tests).
func NewServer(config ServerConfig, blobs BlobSink, events EventLogger) (*Server, error) {
	if err := initLoggers(config.DataDir); err != nil {
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	metrics := NewMetrics()
	registry := NewRegistry(metrics)

	s := &Server{
		config:   config,
		registry: registry,
		blobs:    blobs,
		events:   events,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
	s.router = NewRouter(registry, blobs, events, metrics, s.Addr)

	return s, nil
}

// initLoggers sets up the error and debug loggers once per process.
// Tests install discard loggers in TestMain; those stick.
func initLoggers(dataDir string) error {
	if errorLog != nil && debugLog != nil {
		return nil
	}

	dataDir, err := expandHome(dataDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker, for distinguishing between runs
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging redirects debug output from /dev/null to stderr.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Router exposes the broadcast router, mainly for tests.
func (s *Server) Router() *Router {
	return s.router
}

// Registry exposes the session registry, mainly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the actual listen address (resolves a :0 port).
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start claims the listening socket and launches the accept loop and
// background goroutines. It returns once the server is accepting;
// a failure to bind is reported as ErrBindFailure.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: failed to listen on %s: %v", ErrBindFailure, addr, err)
	}
	s.listener = listener
	s.startTime = time.Now()

	log.Printf("Relay server listening on %s", s.Addr())

	if s.config.HTTPPort > 0 {
		s.startHTTPServer()
	}

	s.wg.Add(1)
	go s.statsLoggingLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// startHTTPServer serves /metrics, /health and the /ws bridge on the
// internal HTTP port.
func (s *Server) startHTTPServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/ws", s.HandleWebSocket)

	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.HTTPPort)),
		Handler: mux,
	}

	go func() {
		log.Printf("HTTP server listening on %s (/metrics, /health, /ws)", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()
}

// HealthHandler reports liveness plus the current session count.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"uptime_seconds":%d}`,
		s.registry.Count(), int(time.Since(s.startTime).Seconds()))
}

// Stop gracefully stops the server: close the listener, drain all
// sessions, join the workers, and return the lifetime summary.
func (s *Server) Stop() Summary {
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")

		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
			log.Println("TCP listener closed")
		}
		if s.httpServer != nil {
			s.httpServer.Close()
		}

		s.notifyClientsOfShutdown()

		log.Println("Closing all client sessions...")
		s.registry.CloseAll()

		log.Println("Waiting for session workers to finish...")
		s.wg.Wait()

		log.Println("Graceful shutdown complete")
	})

	summary := Summary{
		StartedAt:        s.startTime,
		StoppedAt:        time.Now(),
		TotalConnections: s.connectionsTotal.Load(),
		TotalMessages:    s.router.MessagesRouted(),
	}
	summary.Uptime = summary.StoppedAt.Sub(summary.StartedAt)

	if s.events != nil {
		s.events.Event("server_shutdown", 0, map[string]any{
			"uptime_seconds":    summary.Uptime.Seconds(),
			"total_connections": summary.TotalConnections,
			"total_messages":    summary.TotalMessages,
		})
	}

	return summary
}

// notifyClientsOfShutdown sends a final System notice to every session.
// Best effort only.
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.registry.Snapshot()
	if len(sessions) == 0 {
		return
	}

	log.Printf("Notifying %d active sessions of shutdown...", len(sessions))

	payload, err := protocol.Serialize(protocol.System{
		Body:      "Server shutting down",
		Timestamp: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	sent := 0
	for _, sess := range sessions {
		if err := sess.Conn.WritePayload(payload); err == nil {
			sent++
		}
	}
	log.Printf("Shutdown notice sent to %d/%d sessions", sent, len(sessions))
}

// acceptLoop accepts incoming connections until shutdown.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection performs connection setup, then runs the session's
// message loop on this goroutine.
func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	transport := newTCPTransport(conn, s.config.MaxFrameSize, s.config.ReadTimeout)
	s.runSession(NewSafeConn(transport, s.config.WriteTimeout))
}

// runSession registers a session for the prepared transport, sends the
// welcome notice, and drives the read loop until the session closes.
// Shared by the TCP path and the WebSocket bridge.
func (s *Server) runSession(conn *SafeConn) {
	sess := s.registry.Add(conn)

	s.connectionsTotal.Add(1)
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New connection from %s (session %d)", sess.RemoteAddr, sess.ID)

	if s.events != nil {
		s.events.Event("connected", sess.ID, map[string]any{"remote": sess.RemoteAddr})
	}

	// Unconditional welcome before any input is processed
	if err := s.sendWelcome(sess); err != nil {
		s.router.Drop(sess, "welcome write failed")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.messageLoop(sess)
	}()
}

// sendWelcome sends the one System welcome frame a session gets on
// activation.
func (s *Server) sendWelcome(sess *Session) error {
	payload, err := protocol.Serialize(protocol.System{
		Body:      fmt.Sprintf("Welcome to the chat server! Server time: %s", time.Now().Format("2006-01-02 15:04:05")),
		Timestamp: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return sess.Conn.WritePayload(payload)
}

// messageLoop decodes one frame, parses one envelope, routes it, and
// repeats until the connection dies or shutdown is observed. A receive
// timeout is recoverable; everything else transitions the session to
// Closed.
func (s *Server) messageLoop(sess *Session) {
	defer s.router.Drop(sess, "read loop exited")

	for {
		payload, err := sess.Conn.ReadPayload()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Idle tick: check for shutdown, then keep listening.
				select {
				case <-s.shutdown:
					return
				default:
					continue
				}
			}

			if _, exists := s.registry.Get(sess.ID); exists {
				s.disconnectionsSinceReport.Add(1)
				if errors.Is(err, protocol.ErrConnectionClosed) {
					debugLog.Printf("Session %d: client disconnected", sess.ID)
				} else {
					debugLog.Printf("Session %d: read error: %v", sess.ID, err)
				}
			}
			return
		}

		select {
		case <-s.shutdown:
			return
		default:
		}

		env := protocol.Parse(payload)
		debugLog.Printf("Session %d ← RECV kind=%s len=%d", sess.ID, env.Kind(), len(payload))
		s.router.Route(sess, env)

		// quit (or a mid-route failure) may have dropped the session
		if _, exists := s.registry.Get(sess.ID); !exists {
			return
		}
	}
}

// statsLoggingLoop periodically logs session counts and connection
// deltas since the previous report.
func (s *Server) statsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			log.Printf("[STATS] Active sessions: %d, connected since last: %d, disconnected since last: %d, messages routed: %d",
				s.registry.Count(), connected, disconnected, s.router.MessagesRouted())
		}
	}
}
