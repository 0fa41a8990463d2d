package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.civic.realtime/internal/config"
	"sudooom.civic.realtime/internal/model"
)

func TestPushGateway_Statuses(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantErr       bool
		wantPermanent bool
		wantExpired   bool
	}{
		{name: "ok", status: http.StatusOK},
		{name: "accepted", status: http.StatusAccepted},
		{name: "not found", status: http.StatusNotFound, wantErr: true, wantPermanent: true, wantExpired: true},
		{name: "gone", status: http.StatusGone, wantErr: true, wantPermanent: true, wantExpired: true},
		{name: "bad request", status: http.StatusBadRequest, wantErr: true, wantPermanent: true},
		{name: "throttled", status: http.StatusTooManyRequests, wantErr: true},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			gw := NewPushGateway(config.GatewayConfig{URL: srv.URL}, srv.Client())
			err := gw.Send(context.Background(), PushMessage{Token: "tok", Title: "t", Body: "b"})

			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantPermanent, IsPermanent(err))
			assert.Equal(t, tt.wantExpired, errors.Is(err, ErrTokenExpired))
		})
	}
}

func TestPushGateway_SendsPayloadWithCredential(t *testing.T) {
	var (
		got  PushMessage
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := NewPushGateway(config.GatewayConfig{URL: srv.URL, Credential: "push-secret"}, srv.Client())
	msg := PushMessage{Token: "tok-1", Title: "Report updated", Body: "Your pothole report was resolved", Link: "/reports/42"}
	require.NoError(t, gw.Send(context.Background(), msg))

	assert.Equal(t, "Bearer push-secret", auth)
	assert.Equal(t, msg, got)
}

func TestGateway_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := NewPushGateway(config.GatewayConfig{URL: srv.URL, RatePerSec: 1, Burst: 1}, srv.Client())
	require.NoError(t, gw.Send(context.Background(), PushMessage{Token: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, gw.Send(ctx, PushMessage{Token: "b"}))
}

func TestEmailGateway_DefaultsSender(t *testing.T) {
	var got EmailMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := NewEmailGateway(config.GatewayConfig{URL: srv.URL, From: "noreply@civic.example.org"}, srv.Client())
	require.NoError(t, gw.Send(context.Background(), EmailMessage{To: "ana@example.org", Subject: "hi"}))
	assert.Equal(t, "noreply@civic.example.org", got.From)
	assert.Equal(t, "ana@example.org", got.To)
}

func TestComposeEmail(t *testing.T) {
	ev := model.NotificationEvent{ID: "n1", Title: "Status changed", Body: "Report <42> is now closed", Link: "/reports/42"}

	msg := composeEmail(ev, "ana@example.org", "https://civic.example.org/app/")
	assert.Equal(t, "Status changed", msg.Subject)
	assert.Contains(t, msg.Text, "https://civic.example.org/reports/42")
	assert.Contains(t, msg.HTML, `href="https://civic.example.org/reports/42"`)
	assert.Contains(t, msg.HTML, "Report &lt;42&gt; is now closed")
}

func TestResolveLink(t *testing.T) {
	tests := []struct {
		base, link, want string
	}{
		{"https://civic.example.org", "/reports/1", "https://civic.example.org/reports/1"},
		{"https://civic.example.org", "https://other.example.org/x", "https://other.example.org/x"},
		{"", "/reports/1", "/reports/1"},
		{"https://civic.example.org", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolveLink(tt.base, tt.link))
	}
}
