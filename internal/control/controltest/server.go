// Package controltest provides a scripted Tor control port for tests.
package controltest

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
)

// Handler returns the raw reply lines (without CRLF) for one command line.
// Returning nil sends nothing, which lets tests exercise timeouts.
type Handler func(line string) []string

// Server is a loopback control port speaking the CRLF line protocol.
type Server struct {
	ln      net.Listener
	handler Handler

	mu       sync.Mutex
	commands []string
	conns    int
	wg       sync.WaitGroup
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, h Handler) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("controltest listen: %v", err)
	}
	s := &Server{ln: ln, handler: h}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr is the host:port to dial.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Commands returns every line received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Connections counts accepted connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *Server) Close() {
	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.mu.Lock()
		s.commands = append(s.commands, line)
		s.mu.Unlock()

		out := s.handler(line)
		if len(out) == 0 {
			continue
		}
		if _, err := conn.Write([]byte(strings.Join(out, "\r\n") + "\r\n")); err != nil {
			return
		}
		if strings.HasPrefix(out[len(out)-1], "515 ") {
			return
		}
	}
}

// Tor answers AUTHENTICATE and QUIT like the daemon, delegating anything
// else to next. Password is the accepted plaintext; empty
// accepts any AUTHENTICATE.
func Tor(password string, next Handler) Handler {
	return func(line string) []string {
		verb, rest, _ := strings.Cut(line, " ")
		switch verb {
		case "AUTHENTICATE":
			if password != "" && rest != `"`+password+`"` {
				return []string{"515 Authentication failed: Password did not match HashedControlPassword value from configuration"}
			}
			return []string{"250 OK"}
		case "QUIT":
			return []string{"250 closing connection"}
		}
		if next != nil {
			return next(line)
		}
		return []string{"510 Unrecognized command \"" + verb + "\""}
	}
}
