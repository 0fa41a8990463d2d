package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"sudooom.civic.realtime/internal/connection"
	appErrors "sudooom.civic.realtime/internal/errors"
	"sudooom.civic.realtime/internal/protocol"
	"sudooom.civic.realtime/internal/ratelimit"
)

// wtTransport runs a session over the first bidirectional stream of a
// WebTransport session, using length-prefixed frames.
type wtTransport struct {
	session *webtransport.Session
	stream  *webtransport.Stream
	writeMu sync.Mutex
	onPong  func()
}

func (t *wtTransport) ReadMessage() ([]byte, error) {
	for {
		frameType, body, err := protocol.ReadFrame(t.stream)
		if err != nil {
			return nil, err
		}
		switch frameType {
		case protocol.FrameTypeEvent:
			return body, nil
		case protocol.FrameTypePing:
			if err := t.write(protocol.FrameTypePong, nil); err != nil {
				return nil, err
			}
		case protocol.FrameTypePong:
			if t.onPong != nil {
				t.onPong()
			}
		}
	}
}

func (t *wtTransport) write(frameType byte, body []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return protocol.WriteFrame(t.stream, frameType, body)
}

func (t *wtTransport) WriteMessage(data []byte) error {
	return t.write(protocol.FrameTypeEvent, data)
}

func (t *wtTransport) Ping() error {
	return t.write(protocol.FrameTypePing, nil)
}

func (t *wtTransport) SetPongHandler(fn func()) {
	t.onPong = fn
}

func (t *wtTransport) Close(code int, reason string) error {
	_ = t.stream.Close()
	return t.session.CloseWithError(webtransport.SessionErrorCode(code), reason)
}

func (t *wtTransport) RemoteAddr() string {
	return t.session.RemoteAddr().String()
}

func (s *Server) startWebTransport(ctx context.Context) error {
	cfg := s.cfg.Server.WebTransport
	tlsConfig, err := loadTLSConfig(cfg.CertFile, cfg.KeyFile, s.logger)
	if err != nil {
		return fmt.Errorf("failed to load TLS config: %w", err)
	}

	wt := &webtransport.Server{
		H3: http3.Server{
			Addr:      cfg.Addr,
			TLSConfig: tlsConfig,
			QUICConfig: &quic.Config{
				MaxIdleTimeout:  cfg.MaxIdleTimeout,
				KeepAlivePeriod: cfg.KeepAlivePeriod,
				EnableDatagrams: true,
			},
		},
		CheckOrigin: s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webtransport", func(w http.ResponseWriter, r *http.Request) {
		session, err := wt.Upgrade(w, r)
		if err != nil {
			s.logger.Error("WebTransport upgrade failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.handleWebTransport(ctx, session, clientIP(r))
	})
	wt.H3.Handler = mux

	s.mu.Lock()
	s.wtServer = wt
	s.mu.Unlock()

	s.logger.Info("WebTransport server starting", "addr", cfg.Addr)
	return wt.ListenAndServe()
}

func (s *Server) handleWebTransport(ctx context.Context, session *webtransport.Session, ip string) {
	defer s.wg.Done()

	if !s.limiter.Check(ctx, ip, ratelimit.ClassConnection) {
		s.logger.Warn("Connection rate limit exceeded", "remote_ip", ip, "transport", "webtransport")
		_ = session.CloseWithError(connection.CloseRateLimited, appErrors.ErrRateLimited.Message)
		return
	}

	stream, err := session.AcceptStream(ctx)
	if err != nil {
		return
	}

	s.serve(ctx, &wtTransport{session: session, stream: stream})
}
