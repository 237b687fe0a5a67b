package storefront

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsFeed is the WebSocket-backed transaction feed. Each frame is one JSON
// SignedEnvelope.
type wsFeed struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

func dialFeed(ctx context.Context, feedURL, apiKey string) (Feed, error) {
	header := http.Header{}
	if apiKey != "" {
		header.Set(apiKeyHeader, apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, feedURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("open transaction feed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("open transaction feed: %w", err)
	}
	log.Info().Str("url", feedURL).Msg("transaction feed connected")
	return &wsFeed{conn: conn}, nil
}

// Next blocks until the storefront delivers the next envelope. Cancelling
// ctx closes the connection, which unblocks the pending read; the context
// error is returned in that case so callers can distinguish shutdown from
// feed failure.
func (f *wsFeed) Next(ctx context.Context) (SignedEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return SignedEnvelope{}, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = f.conn.Close()
		case <-done:
		}
	}()

	var env SignedEnvelope
	if err := f.conn.ReadJSON(&env); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SignedEnvelope{}, ctxErr
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return SignedEnvelope{}, ErrFeedClosed
		}
		return SignedEnvelope{}, fmt.Errorf("read transaction feed: %w", err)
	}
	return env, nil
}

// Close releases the subscription. Safe to call more than once.
func (f *wsFeed) Close() error {
	f.closeOnce.Do(func() {
		_ = f.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		f.closeErr = f.conn.Close()
	})
	return f.closeErr
}

// ErrFeedClosed is returned by Next when the storefront closed the feed
// cleanly; callers should reconnect rather than treat it as a failure.
var ErrFeedClosed = errors.New("transaction feed closed by storefront")
