package connection

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.civic.realtime/internal/model"
)

func TestHeartbeat_ClosesSilentSessions(t *testing.T) {
	m := NewManager(testLogger())
	alive, trAlive := newTestConn(t)
	silent, trSilent := newTestConn(t)
	m.Add(alive)
	m.Add(silent)
	_, _ = m.Bind(silent, model.User{ID: "u9"})

	var mu sync.Mutex
	var timedOut []string
	hb := NewHeartbeatChecker(m, time.Second, testLogger(), func(c *Connection) {
		mu.Lock()
		timedOut = append(timedOut, c.ID())
		mu.Unlock()
		m.Remove(c.ID())
	})

	first := time.Now()
	hb.Check(first)
	assert.Equal(t, 1, trAlive.pings)
	assert.Equal(t, 1, trSilent.pings)

	// only the first session answers
	time.Sleep(2 * time.Millisecond)
	trAlive.onPong()

	hb.Check(first.Add(time.Second))

	mu.Lock()
	assert.Equal(t, []string{silent.ID()}, timedOut)
	mu.Unlock()
	assert.True(t, silent.Closed())
	assert.False(t, alive.Closed())
	assert.Nil(t, m.Primary("u9"), "binding released on timeout")

	require.Eventually(t, func() bool {
		closed, code, _ := trSilent.isClosed()
		return closed && code == CloseHeartbeatTimeout
	}, time.Second, 5*time.Millisecond)
}
