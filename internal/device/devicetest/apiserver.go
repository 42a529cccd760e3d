package devicetest

import (
	"net"
	"sort"
	"sync"
	"testing"

	"github.com/go-routeros/routeros/v3/proto"
	"github.com/stretchr/testify/require"

	"isp-network-api/internal/models"
)

// APIServer speaks enough of the RouterOS API to serve canned rows to a real
// device.RouterOSClient over loopback TCP. Every login is accepted.
type APIServer struct {
	ln net.Listener

	mu     sync.Mutex
	rows   map[string][]map[string]string
	stalls map[string]int
	calls  map[string]int
	conns  map[net.Conn]struct{}

	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewAPIServer listens on a free loopback port until the test ends
func NewAPIServer(t testing.TB) *APIServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &APIServer{
		ln:      ln,
		rows:    make(map[string][]map[string]string),
		stalls:  make(map[string]int),
		calls:   make(map[string]int),
		conns:   make(map[net.Conn]struct{}),
		closing: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Credentials points a RouterOS client at the server
func (s *APIServer) Credentials() models.DeviceCredentials {
	addr := s.ln.Addr().(*net.TCPAddr)
	return models.DeviceCredentials{
		Kind:     models.DeviceRouterOS,
		Host:     addr.IP.String(),
		Port:     addr.Port,
		Username: "admin",
		Password: "secret",
	}
}

// SetRows sets the reply to command, e.g. "/interface/print"
func (s *APIServer) SetRows(command string, rows ...map[string]string) {
	s.mu.Lock()
	s.rows[command] = rows
	s.mu.Unlock()
}

// Stall leaves the next n requests for command unanswered
func (s *APIServer) Stall(command string, n int) {
	s.mu.Lock()
	s.stalls[command] += n
	s.mu.Unlock()
}

// Calls counts the requests received for command
func (s *APIServer) Calls(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[command]
}

// Close stops accepting, drops open sessions and waits for the handlers
func (s *APIServer) Close() {
	s.once.Do(func() {
		close(s.closing)
		s.ln.Close()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

func (s *APIServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *APIServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	r := proto.NewReader(conn)
	w := proto.NewWriter(conn)
	for {
		sen, err := r.ReadSentence()
		if err != nil {
			return
		}
		if sen.Word == "/login" {
			if reply(w, nil) != nil {
				return
			}
			continue
		}

		rows, stall := s.next(sen.Word)
		if stall {
			// the client gives up and drops the session
			<-s.closing
			return
		}
		if reply(w, rows) != nil {
			return
		}
	}
}

func (s *APIServer) next(command string) ([]map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[command]++
	if s.stalls[command] > 0 {
		s.stalls[command]--
		return nil, true
	}
	return s.rows[command], false
}

func reply(w proto.Writer, rows []map[string]string) error {
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.BeginSentence()
		w.WriteWord("!re")
		for _, k := range keys {
			w.WriteWord("=" + k + "=" + row[k])
		}
		if err := w.EndSentence(); err != nil {
			return err
		}
	}
	w.BeginSentence()
	w.WriteWord("!done")
	return w.EndSentence()
}
