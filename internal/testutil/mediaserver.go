package testutil

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// WriteOp is one WRITE command received by MediaServer.
type WriteOp struct {
	File   string
	Offset int64
	Length int
}

// MediaServer is an in-process SageTV media server speaking the upload and
// remote remux commands. It keeps every uploaded file in memory.
type MediaServer struct {
	ln net.Listener

	mu         sync.Mutex
	files      map[string][]byte
	commands   []string
	writes     []WriteOp
	conns      []net.Conn
	rejectOpen bool
	remuxWait  bool
	dropAfter  int
	wg         sync.WaitGroup
}

// NewMediaServer starts a server on a loopback port. It is closed with the test.
func NewMediaServer(t *testing.T) *MediaServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &MediaServer{ln: ln, files: make(map[string][]byte)}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the server listens on.
func (s *MediaServer) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the listener and drops every connection.
func (s *MediaServer) Close() {
	s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// RejectOpen makes WRITEOPEN answer NON_MEDIA.
func (s *MediaServer) RejectOpen(reject bool) {
	s.mu.Lock()
	s.rejectOpen = reject
	s.mu.Unlock()
}

// SetRemuxReady controls the answer to REMUX_CONFIG INIT. The server starts ready.
func (s *MediaServer) SetRemuxReady(ready bool) {
	s.mu.Lock()
	s.remuxWait = !ready
	s.mu.Unlock()
}

// DropAfterWrites closes the connection once n WRITE commands were received.
func (s *MediaServer) DropAfterWrites(n int) {
	s.mu.Lock()
	s.dropAfter = n
	s.mu.Unlock()
}

// File returns a copy of the bytes uploaded to name.
func (s *MediaServer) File(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.files[name]...)
}

// Commands returns every non-WRITE command received, in order.
func (s *MediaServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Writes returns every WRITE command received, in order.
func (s *MediaServer) Writes() []WriteOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WriteOp(nil), s.writes...)
}

func (s *MediaServer) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *MediaServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	current := ""
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if fields[0] == "WRITE" && len(fields) == 3 {
			off, _ := strconv.ParseInt(fields[1], 10, 64)
			n, _ := strconv.Atoi(fields[2])
			data := make([]byte, n)
			if _, err := io.ReadFull(r, data); err != nil {
				return
			}
			s.mu.Lock()
			s.writes = append(s.writes, WriteOp{File: current, Offset: off, Length: n})
			s.files[current] = place(s.files[current], off, data)
			drop := s.dropAfter > 0 && len(s.writes) == s.dropAfter
			s.mu.Unlock()
			if drop {
				return
			}
			continue
		}

		s.mu.Lock()
		s.commands = append(s.commands, line)
		reject, remuxWait := s.rejectOpen, s.remuxWait
		s.mu.Unlock()

		var reply string
		switch fields[0] {
		case "WRITEOPEN":
			if reject {
				reply = "NON_MEDIA"
				break
			}
			if len(fields) > 1 {
				current = fields[1]
			}
			reply = "OK"
		case "CLOSE", "REMUX_SETUP":
			reply = "OK"
		case "REMUX_SWITCH":
			if len(fields) > 1 {
				current = fields[1]
			}
			reply = "OK"
		case "REMUX_CONFIG":
			switch {
			case len(fields) > 1 && fields[1] == "FORMAT":
				reply = "mpegts"
			case len(fields) > 1 && fields[1] == "INIT" && remuxWait:
				reply = "FALSE"
			default:
				reply = "TRUE"
			}
		case "SIZE":
			s.mu.Lock()
			reply = fmt.Sprintf("%d OK", len(s.files[current]))
			s.mu.Unlock()
		case "QUIT":
			return
		default:
			reply = "ERROR"
		}
		if _, err := io.WriteString(conn, reply+"\r\n"); err != nil {
			return
		}
	}
}

// place writes data at off within file, growing it as needed.
func place(file []byte, off int64, data []byte) []byte {
	end := int(off) + len(data)
	if end > len(file) {
		grown := make([]byte, end)
		copy(grown, file)
		file = grown
	}
	copy(file[off:], data)
	return file
}
