package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/moltbunker/stakeledger/pkg/types"
)

// eventsURL turns the API base URL into the /v1/events websocket URL.
func (c *APIClient) eventsURL(staker *common.Address) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events"
	if staker != nil {
		u.RawQuery = url.Values{"staker": {staker.Hex()}}.Encode()
	}
	return u.String(), nil
}

// Watch streams ledger events to fn until ctx is cancelled, the server closes
// the stream, or fn returns an error. A nil staker receives every event.
func (c *APIClient) Watch(ctx context.Context, staker *common.Address, fn func(types.Event) error) error {
	wsURL, err := c.eventsURL(staker)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			return decodeAPIError(resp.StatusCode, body)
		}
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg types.StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		if msg.Type != "event" || msg.Event == nil {
			continue
		}
		if err := fn(*msg.Event); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}

// ErrStopWatching may be returned by a Watch callback to end the stream cleanly.
var ErrStopWatching = errors.New("stop watching")
