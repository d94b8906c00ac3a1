package gameserver

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase is the session lifecycle state machine: open -> running -> stop.
// Transitions are one-way.
type Phase string

const (
	PhaseOpen    Phase = "open"
	PhaseRunning Phase = "running"
	PhaseStop    Phase = "stop"
)

// maxMatchSeconds caps a requested match length at 24 hours.
const maxMatchSeconds = 86400

const writeTimeout = 5 * time.Second

// Server is the authoritative state holder for one session. All connected
// clients observe the same phase and match length; the first valid
// REQUEST_MATCH wins and later requests are answered with the winning value.
type Server struct {
	sessionID string

	mu           sync.Mutex
	phase        Phase
	matchSeconds int
	runningSince time.Time
	clients      map[net.Conn]struct{}
	matchTimer   *time.Timer

	ln       net.Listener
	done     chan struct{}
	stopOnce sync.Once
}

func New(sessionID string) *Server {
	return &Server{
		sessionID: sessionID,
		phase:     PhaseOpen,
		clients:   make(map[net.Conn]struct{}),
		done:      make(chan struct{}),
	}
}

// Serve accepts connections on ln until the session stops. It owns ln and
// closes it on shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Info().Str("sessionId", s.sessionID).Str("addr", ln.Addr().String()).Msg("gameserver: listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go s.handle(conn)
	}
}

// Done is closed when the session reaches the stop phase and the server has
// shut down.
func (s *Server) Done() <-chan struct{} { return s.done }

// Stop forces the stop phase, notifies clients and releases the listener.
// Safe to call from any goroutine and more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.phase = PhaseStop
		if s.matchTimer != nil {
			s.matchTimer.Stop()
		}
		conns := s.snapshotLocked()
		ln := s.ln
		s.mu.Unlock()

		s.broadcast(conns, "STATE stop")
		for _, c := range conns {
			c.Close()
		}
		if ln != nil {
			ln.Close()
		}
		close(s.done)
		log.Info().Str("sessionId", s.sessionID).Msg("gameserver: stopped")
	})
}

func (s *Server) handle(conn net.Conn) {
	s.mu.Lock()
	if s.phase == PhaseStop {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[conn] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	log.Debug().Str("remote", conn.RemoteAddr().String()).Int("clients", n).Msg("gameserver: client connected")

	defer s.disconnect(conn)

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		reply, transition := s.command(line)
		if reply != "" {
			s.write(conn, reply)
		}
		if transition != "" {
			s.mu.Lock()
			conns := s.snapshotLocked()
			s.mu.Unlock()
			s.broadcast(conns, transition)
		}
	}
}

// command applies one protocol line and returns the direct reply plus an
// optional state broadcast for all clients. Commands are case-insensitive.
func (s *Server) command(line string) (reply, transition string) {
	fields := strings.Fields(line)
	verb := strings.ToUpper(fields[0])

	s.mu.Lock()
	defer s.mu.Unlock()

	switch verb {
	case "GET_STATE":
		return "STATE " + string(s.phase), ""

	case "GET_RUNNING_LENGTH":
		return fmt.Sprintf("RUNNING_LENGTH %d", s.matchSeconds), ""

	case "REQUEST_MATCH":
		if s.phase != PhaseOpen {
			// A concurrent request already won; hand back the settled value.
			return fmt.Sprintf("RUNNING_LENGTH %d", s.matchSeconds), ""
		}
		if len(fields) != 2 {
			return "UNKNOWN", ""
		}
		secs, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || secs <= 0 || secs > maxMatchSeconds {
			return "UNKNOWN", ""
		}
		s.matchSeconds = int(secs)
		s.phase = PhaseRunning
		s.runningSince = time.Now()
		s.matchTimer = time.AfterFunc(time.Duration(secs*float64(time.Second)), s.Stop)
		log.Info().Str("sessionId", s.sessionID).Int("seconds", s.matchSeconds).Msg("gameserver: match started")
		return fmt.Sprintf("RUNNING_LENGTH %d", s.matchSeconds), "STATE running"

	default:
		return "UNKNOWN", ""
	}
}

func (s *Server) disconnect(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	delete(s.clients, conn)
	remaining := len(s.clients)
	running := s.phase == PhaseRunning
	s.mu.Unlock()
	log.Debug().Str("remote", conn.RemoteAddr().String()).Int("clients", remaining).Msg("gameserver: client disconnected")

	// A running match with nobody watching has no reason to keep the pod
	// alive until the timer fires.
	if running && remaining == 0 {
		s.Stop()
	}
}

func (s *Server) snapshotLocked() []net.Conn {
	conns := make([]net.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	return conns
}

// broadcast writes msg to every conn, outside the state lock. Per-client
// write failures are dropped; the failing client's read loop will notice.
func (s *Server) broadcast(conns []net.Conn, msg string) {
	for _, c := range conns {
		s.write(c, msg)
	}
}

func (s *Server) write(conn net.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(msg + "\n")); err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("gameserver: write failed")
	}
}
