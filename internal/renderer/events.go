package renderer

import (
	"context"
	"encoding/json"
	"fmt"

	"nhooyr.io/websocket"
)

// Events opens the renderer's websocket stream and returns a channel of
// ordered events. The channel closes when ctx is cancelled or the stream
// breaks; the monitor treats closure as a stream restart signal.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	wsURL := httpToWS(c.baseURL) + "/ws?client_id=" + c.clientID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	// Terminal events carry full output manifests.
	conn.SetReadLimit(1 << 20)

	out := make(chan Event)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			msgType, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("event stream closed", "error", err)
				}
				return
			}
			if msgType != websocket.MessageText {
				continue
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				c.logger.Warn("malformed stream event", "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func httpToWS(base string) string {
	switch {
	case len(base) >= 8 && base[:8] == "https://":
		return "wss://" + base[8:]
	case len(base) >= 7 && base[:7] == "http://":
		return "ws://" + base[7:]
	}
	return base
}
