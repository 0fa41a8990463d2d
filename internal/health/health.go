package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	statusUp           = "up"
	statusDown         = "down"
	statusNotConfigure = "not configured"
)

// Status is the body of the health endpoints.
type Status struct {
	Service         string `json:"service"`
	NodeID          string `json:"nodeId"`
	Postgres        string `json:"postgres"`
	Redis           string `json:"redis"`
	NATS            string `json:"nats"`
	Connections     int    `json:"connections"`
	Authenticated   int    `json:"authenticated"`
	PendingMessages int    `json:"pendingMessages"`
}

// WSStatus is the cheap variant served on /ws-health. It never touches a
// backing service.
type WSStatus struct {
	NodeID        string `json:"nodeId"`
	Connections   int    `json:"connections"`
	Authenticated int    `json:"authenticated"`
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type BusState interface {
	IsConnected() bool
}

type ConnectionCounter interface {
	Count() int
	AuthenticatedCount() int
}

type PendingCounter interface {
	Pending() int
}

// Checker reports the state of the node and its dependencies. Any of the
// dependencies may be nil.
type Checker struct {
	nodeID  string
	db      Pinger
	redis   Pinger
	bus     BusState
	conns   ConnectionCounter
	pending PendingCounter
	timeout time.Duration
}

type Deps struct {
	DB          Pinger
	Redis       Pinger
	Bus         BusState
	Connections ConnectionCounter
	Pending     PendingCounter
}

func NewChecker(nodeID string, deps Deps) *Checker {
	return &Checker{
		nodeID:  nodeID,
		db:      deps.DB,
		redis:   deps.Redis,
		bus:     deps.Bus,
		conns:   deps.Connections,
		pending: deps.Pending,
		timeout: 2 * time.Second,
	}
}

func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service:  "realtime",
		NodeID:   h.nodeID,
		Postgres: h.ping(ctx, h.db),
		Redis:    h.ping(ctx, h.redis),
		NATS:     statusNotConfigure,
	}

	if h.bus != nil {
		status.NATS = statusDown
		if h.bus.IsConnected() {
			status.NATS = statusUp
		}
	}
	if h.conns != nil {
		status.Connections = h.conns.Count()
		status.Authenticated = h.conns.AuthenticatedCount()
	}
	if h.pending != nil {
		status.PendingMessages = h.pending.Pending()
	}
	return status
}

func (h *Checker) ping(ctx context.Context, p Pinger) string {
	if p == nil {
		return statusNotConfigure
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return statusDown
	}
	return statusUp
}

// IsHealthy requires the database. Redis and NATS degrade features but the
// node still serves chat.
func (s *Status) IsHealthy() bool {
	return s.Postgres != statusDown
}

// Health serves the full dependency report.
func (h *Checker) Health(c *gin.Context) {
	status := h.Check(c.Request.Context())
	code := http.StatusOK
	if !status.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// WSHealth serves connection counts only.
func (h *Checker) WSHealth(c *gin.Context) {
	status := WSStatus{NodeID: h.nodeID}
	if h.conns != nil {
		status.Connections = h.conns.Count()
		status.Authenticated = h.conns.AuthenticatedCount()
	}
	c.JSON(http.StatusOK, status)
}
