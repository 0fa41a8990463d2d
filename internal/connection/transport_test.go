package connection

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sudooom.civic.realtime/internal/protocol"
)

// fakeTransport records writes and close calls.
type fakeTransport struct {
	mu       sync.Mutex
	written  [][]byte
	pings    int
	closed   bool
	code     int
	reason   string
	onPong   func()
	inbound  chan []byte
	failNext bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 16)}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("broken pipe")
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) SetPongHandler(fn func()) {
	f.onPong = fn
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "192.0.2.1:5555" }

func (f *fakeTransport) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.written))
	for _, raw := range f.written {
		in, err := decodeServerEvent(raw)
		if err == nil {
			names = append(names, in)
		}
	}
	return names
}

func (f *fakeTransport) isClosed() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code, f.reason
}

func decodeServerEvent(raw []byte) (string, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Event, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConn(t *testing.T) (*Connection, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	conn := New(tr, 16, testLogger())
	t.Cleanup(func() { conn.Close(CloseNormal, "test done") })
	return conn, tr
}

func waitEvents(t *testing.T, tr *fakeTransport, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := tr.events()
		if len(got) < len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "want events %v, got %v", want, tr.events())
}
