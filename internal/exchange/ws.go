package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// UserDataEvent is a push from the user-data stream: account/order updates
// plus the monotonic LastEventAt used by the supervisor's inactivity check.
type UserDataEvent struct {
	Raw         json.RawMessage
	LastEventAt time.Time
}

// MiniTicker is one (symbol, last price) update from the !miniTicker@arr
// stream, used to refresh the price cache.
type MiniTicker struct {
	Symbol string
	Price  float64
}

// Stream manages the user-data and mini-ticker WebSocket connections with
// reconnect-on-error backoff, mirroring the donor's ws.go connection-loop
// shape generalized to the two stream kinds the contract requires.
type Stream struct {
	wsBase string
	client *Client
}

func NewStream(wsBase string, client *Client) *Stream {
	return &Stream{wsBase: wsBase, client: client}
}

// UserDataStream connects to wss://.../ws/{listenKey}, reconnecting with a
// 5s backoff on error and sending a keepalive every 25 minutes. Closes
// events and returns when ctx is cancelled.
func (s *Stream) UserDataStream(ctx context.Context) <-chan UserDataEvent {
	out := make(chan UserDataEvent, 256)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			if err := s.runUserData(ctx, out); err != nil {
				log.Warn().Err(err).Msg("user data stream disconnected, reconnecting")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}
	}()
	return out
}

func (s *Stream) runUserData(ctx context.Context, out chan<- UserDataEvent) error {
	listenKey, err := s.client.ListenKeyStart(ctx)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/ws/%s", s.wsBase, listenKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	keepalive := time.NewTicker(25 * time.Minute)
	defer keepalive.Stop()

	errCh := make(chan error, 1)
	msgCh := make(chan []byte, 64)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			msgCh <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-keepalive.C:
			if err := s.client.ListenKeyKeepalive(ctx); err != nil {
				log.Warn().Err(err).Msg("listen key keepalive failed")
			}
		case msg := <-msgCh:
			select {
			case out <- UserDataEvent{Raw: json.RawMessage(msg), LastEventAt: time.Now()}:
			default:
				log.Warn().Msg("user data event dropped, subscriber too slow")
			}
		}
	}
}

// MiniTickerStream connects to the !miniTicker@arr stream and pushes every
// (symbol, price) update, also feeding the client's price cache directly.
func (s *Stream) MiniTickerStream(ctx context.Context) <-chan MiniTicker {
	out := make(chan MiniTicker, 1024)
	go func() {
		defer close(out)
		b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2}
		for ctx.Err() == nil {
			if err := s.runMiniTicker(ctx, out); err != nil {
				log.Warn().Err(err).Msg("mini ticker stream disconnected, reconnecting")
				select {
				case <-ctx.Done():
					return
				case <-time.After(b.Duration()):
				}
				continue
			}
			b.Reset()
		}
	}()
	return out
}

func (s *Stream) runMiniTicker(ctx context.Context, out chan<- MiniTicker) error {
	url := s.wsBase + "/ws/!miniTicker@arr"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	type tick struct {
		Symbol string `json:"s"`
		Close  string `json:"c"`
	}

	errCh := make(chan error, 1)
	msgCh := make(chan []byte, 256)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			msgCh <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case msg := <-msgCh:
			var ticks []tick
			if err := json.Unmarshal(msg, &ticks); err != nil {
				continue
			}
			for _, t := range ticks {
				price := parseFloat(t.Close)
				if price <= 0 {
					continue
				}
				s.client.UpdatePrice(t.Symbol, price)
				select {
				case out <- MiniTicker{Symbol: t.Symbol, Price: price}:
				default:
				}
			}
		}
	}
}
