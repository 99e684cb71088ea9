// Package notify subscribes to the backend's WebSocket push channel.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Known push event types.
const (
	EventDepositSuccess = "deposit_success"
	EventBalanceUpdate  = "BALANCE_UPDATE"
)

// DefaultReconnectDelay is the fixed wait between a closed connection and the
// next dial.
const DefaultReconnectDelay = 3 * time.Second

// Event is one pushed message. Raw holds the full payload.
type Event struct {
	Type   string          `json:"type"`
	Amount string          `json:"amount,omitempty"`
	TxHash string          `json:"txHash,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

// Handler is called for every decoded event, one at a time.
type Handler func(ctx context.Context, ev Event)

// TokenSource returns the current access token used in the ws URL.
type TokenSource func() (string, error)

type Config struct {
	URL            string
	Token          TokenSource
	Handler        Handler
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

type Subscriber struct {
	url     string
	token   TokenSource
	handler Handler
	delay   time.Duration
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

func NewSubscriber(cfg Config) (*Subscriber, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}
	s := &Subscriber{
		url:     cfg.URL,
		token:   cfg.Token,
		handler: cfg.Handler,
		delay:   cfg.ReconnectDelay,
		dialer:  cfg.Dialer,
		logger:  cfg.Logger,
	}
	if s.delay <= 0 {
		s.delay = DefaultReconnectDelay
	}
	if s.dialer == nil {
		s.dialer = websocket.DefaultDialer
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "notify")
	return s, nil
}

// Run keeps a connection open until ctx is done, reconnecting after a fixed
// delay whenever it closes or fails to open.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("websocket closed, reconnecting", "err", err, "delay", s.delay)

		t := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Subscriber) endpoint() (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", err
	}
	if s.token != nil {
		tok, err := s.token()
		if err != nil {
			return "", fmt.Errorf("access token: %w", err)
		}
		q := u.Query()
		q.Set("token", tok)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// session runs one connection until it fails.
func (s *Subscriber) session(ctx context.Context) error {
	endpoint, err := s.endpoint()
	if err != nil {
		return err
	}
	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	s.logger.Info("websocket connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.logger.Warn("undecodable push message", "err", err)
			continue
		}
		ev.Raw = append(json.RawMessage(nil), msg...)
		s.handler(ctx, ev)
	}
}
