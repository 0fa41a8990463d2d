package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"sudooom.civic.realtime/internal/config"
)

type PushMessage struct {
	Token string `json:"token"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Link  string `json:"link,omitempty"`
}

// PushGateway sends one device notification per request.
type PushGateway struct {
	http httpGateway
}

func NewPushGateway(cfg config.GatewayConfig, client *http.Client) *PushGateway {
	return &PushGateway{http: newHTTPGateway(cfg, client)}
}

// Send delivers msg. An unknown or unregistered device yields a permanent
// ErrTokenExpired.
func (g *PushGateway) Send(ctx context.Context, msg PushMessage) error {
	err := g.http.post(ctx, msg)
	var se *StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone) {
		return Permanent(fmt.Errorf("%w: %v", ErrTokenExpired, se))
	}
	return err
}
