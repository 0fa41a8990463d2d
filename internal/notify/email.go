package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	"sudooom.civic.realtime/internal/config"
	"sudooom.civic.realtime/internal/model"
)

type EmailMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}

// EmailGateway hands messages to a transactional email API.
type EmailGateway struct {
	http httpGateway
	from string
}

func NewEmailGateway(cfg config.GatewayConfig, client *http.Client) *EmailGateway {
	return &EmailGateway{http: newHTTPGateway(cfg, client), from: cfg.From}
}

func (g *EmailGateway) Send(ctx context.Context, msg EmailMessage) error {
	if msg.From == "" {
		msg.From = g.from
	}
	return g.http.post(ctx, msg)
}

// composeEmail renders a notification as an email. A relative link is made
// absolute against baseURL.
func composeEmail(ev model.NotificationEvent, to, baseURL string) EmailMessage {
	link := resolveLink(baseURL, ev.Link)

	var text, body strings.Builder
	text.WriteString(ev.Body)
	fmt.Fprintf(&body, "<p>%s</p>", html.EscapeString(ev.Body))
	if link != "" {
		fmt.Fprintf(&text, "\n\n%s", link)
		fmt.Fprintf(&body, `<p><a href="%s">View on the platform</a></p>`, html.EscapeString(link))
	}

	return EmailMessage{
		To:      to,
		Subject: ev.Title,
		Text:    text.String(),
		HTML:    body.String(),
	}
}

func resolveLink(baseURL, link string) string {
	if link == "" {
		return ""
	}
	ref, err := url.Parse(link)
	if err != nil || ref.IsAbs() || baseURL == "" {
		return link
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return link
	}
	return base.ResolveReference(ref).String()
}
