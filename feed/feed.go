// feed/feed.go
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auto_dhan_go/logs"

	"github.com/gorilla/websocket"
)

// Callback receives one decoded bid or ask snapshot. It runs on the
// feed's read goroutine and must not block.
type Callback func(Snapshot)

// Instrument identifies one subscription target on the feed.
type Instrument struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

func (i Instrument) key() string {
	return i.ExchangeSegment + ":" + i.SecurityID
}

// controlRequest is the JSON control frame for subscribe/unsubscribe/disconnect.
type controlRequest struct {
	RequestCode     int          `json:"RequestCode"`
	InstrumentCount int          `json:"InstrumentCount,omitempty"`
	InstrumentList  []Instrument `json:"InstrumentList,omitempty"`
}

// Feed is the 20-level market depth client. It owns one websocket
// connection at a time and runs an indefinite connect/stream/reconnect
// loop until Disconnect is called. All cache writes downstream happen
// through the registered callbacks on the read goroutine.
type Feed struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration

	mu        sync.Mutex // guards conn, subs and websocket writes
	conn      *websocket.Conn
	subs      map[string]Instrument
	stopped   bool
	callbacks []Callback
}

// New creates a depth feed client for the given authenticated URL.
func New(url string, reconnectDelay, pingInterval time.Duration) *Feed {
	return &Feed{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		subs:           make(map[string]Instrument),
	}
}

// RegisterCallback adds a callback for decoded depth snapshots.
// Must be called before Run; callbacks are not synchronized afterwards.
func (f *Feed) RegisterCallback(cb Callback) {
	f.callbacks = append(f.callbacks, cb)
}

// Run is the main connection loop with automatic reconnection. It
// returns when Disconnect is called or the context is cancelled.
// Tracked subscriptions are resent after every reconnect.
func (f *Feed) Run(ctx context.Context) {
	for {
		if f.isStopped() || ctx.Err() != nil {
			return
		}

		logs.Info("[DepthFeed] Connecting...")
		if err := f.connectAndStream(ctx); err != nil {
			if f.isStopped() || ctx.Err() != nil {
				return
			}
			logs.Warnf("[DepthFeed] Connection lost: %v. Reconnecting in %s.", err, f.reconnectDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.reconnectDelay):
		}
	}
}

// connectAndStream dials once, resubscribes, and pumps messages until
// the connection fails.
func (f *Feed) connectAndStream(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	pending := make([]Instrument, 0, len(f.subs))
	for _, inst := range f.subs {
		pending = append(pending, inst)
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		conn.Close()
	}()

	logs.Info("[DepthFeed] Connected.")

	if len(pending) > 0 {
		if err := f.sendSubscription(reqSubscribe, pending); err != nil {
			return fmt.Errorf("resubscribe failed: %w", err)
		}
		logs.Infof("[DepthFeed] Resubscribed %d instruments.", len(pending))
	}

	// The server expects periodic pings to keep the stream alive.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go f.pingLoop(conn, pingDone)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		switch msgType {
		case websocket.BinaryMessage:
			for _, snap := range decodeFrames(data) {
				for _, cb := range f.callbacks {
					cb(snap)
				}
			}
		case websocket.TextMessage:
			logs.Debugf("[DepthFeed] Text frame: %s", string(data))
		}
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			f.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			f.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Subscribe registers instruments and, when connected, sends the
// subscription request chunked at the protocol limit. Instruments are
// remembered so a later reconnect restores them.
func (f *Feed) Subscribe(instruments []Instrument) error {
	for _, inst := range instruments {
		if inst.ExchangeSegment == "" || inst.SecurityID == "" {
			return fmt.Errorf("invalid instrument: %+v", inst)
		}
	}

	f.mu.Lock()
	for _, inst := range instruments {
		f.subs[inst.key()] = inst
	}
	connected := f.conn != nil
	f.mu.Unlock()

	if !connected {
		logs.Infof("[DepthFeed] Queued %d subscriptions (connecting).", len(instruments))
		return nil
	}

	return f.sendSubscription(reqSubscribe, instruments)
}

// Unsubscribe removes instruments from the tracked set and notifies the
// server when connected. Safe to call redundantly.
func (f *Feed) Unsubscribe(instruments []Instrument) error {
	f.mu.Lock()
	for _, inst := range instruments {
		delete(f.subs, inst.key())
	}
	connected := f.conn != nil
	f.mu.Unlock()

	if !connected {
		return nil
	}
	return f.sendSubscription(reqUnsubscribe, instruments)
}

// Disconnect stops the reconnect loop and closes the connection after a
// best-effort disconnect control frame.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	f.stopped = true
	conn := f.conn
	if conn != nil {
		_ = conn.WriteJSON(controlRequest{RequestCode: reqDisconnect})
		conn.Close()
	}
	f.mu.Unlock()
}

func (f *Feed) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// chunkInstruments splits a subscription list at the protocol limit.
func chunkInstruments(instruments []Instrument) [][]Instrument {
	var chunks [][]Instrument
	for start := 0; start < len(instruments); start += subscriptionChunkSize {
		end := start + subscriptionChunkSize
		if end > len(instruments) {
			end = len(instruments)
		}
		chunks = append(chunks, instruments[start:end])
	}
	return chunks
}

// sendSubscription writes subscribe/unsubscribe control frames in
// chunks of at most subscriptionChunkSize instruments.
func (f *Feed) sendSubscription(code int, instruments []Instrument) error {
	for _, chunk := range chunkInstruments(instruments) {
		req := controlRequest{
			RequestCode:     code,
			InstrumentCount: len(chunk),
			InstrumentList:  chunk,
		}

		f.mu.Lock()
		conn := f.conn
		var err error
		if conn == nil {
			err = fmt.Errorf("not connected")
		} else {
			err = conn.WriteJSON(req)
		}
		f.mu.Unlock()

		if err != nil {
			return fmt.Errorf("subscription write failed: %w", err)
		}
		logs.Infof("[DepthFeed] Sent request %d for %d instruments.", code, len(chunk))
	}
	return nil
}
