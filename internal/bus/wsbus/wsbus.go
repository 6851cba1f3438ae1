// Package wsbus implements bus.Client over a single gorilla/websocket
// connection to a sidechannel bus server, adapted from the teacher's
// src/chainadapter/rpc/websocket.go WebSocketRPCClient: request/response
// correlation by integer ID, a background read loop, and reconnection
// with exponential backoff. The request/response shapes are the bus's
// own publish/subscribe/log_read/join/leave/info framing rather than
// JSON-RPC/eth_subscribe.
package wsbus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourusername/swapcore/internal/bus"
	"github.com/yourusername/swapcore/internal/envelope"
)

type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *string         `json:"error,omitempty"`
}

// Client is a reconnecting websocket client implementing bus.Client.
type Client struct {
	url string

	connMu sync.RWMutex
	conn   *websocket.Conn

	requestID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *response

	reconnecting atomic.Bool
	closed       atomic.Bool
	closeChan    chan struct{}

	maxReconnectInterval time.Duration
	reconnectBackoff     time.Duration

	callTimeout time.Duration
}

// Dial connects to a sidechannel bus server at url and starts the
// background read loop.
func Dial(url string) (*Client, error) {
	c := &Client{
		url:                  url,
		pending:              make(map[int64]chan *response),
		closeChan:            make(chan struct{}),
		maxReconnectInterval: 60 * time.Second,
		reconnectBackoff:     1 * time.Second,
		callTimeout:          25 * time.Second,
	}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("wsbus: dial %s: %w", url, err)
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

func (c *Client) reconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	backoff := c.reconnectBackoff
	for {
		select {
		case <-c.closeChan:
			return
		case <-time.After(backoff):
			if err := c.connect(); err != nil {
				backoff *= 2
				if backoff > c.maxReconnectInterval {
					backoff = c.maxReconnectInterval
				}
				continue
			}
			go c.readLoop()
			return
		}
	}
}

func (c *Client) readLoop() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}

	for {
		select {
		case <-c.closeChan:
			return
		default:
		}
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			go c.reconnect()
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("wsbus: client is closed")
	}
	id := c.requestID.Add(1)
	respCh := make(chan *response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("wsbus: not connected")
	}
	if err := conn.WriteJSON(request{ID: id, Method: method, Params: params}); err != nil {
		go c.reconnect()
		return nil, fmt.Errorf("wsbus: send %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("wsbus: %s: %s", method, *resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeChan:
		return nil, fmt.Errorf("wsbus: client closed")
	}
}

func (c *Client) Subscribe(ctx context.Context, channels []string) error {
	_, err := c.call(ctx, "subscribe", map[string]any{"channels": channels})
	return err
}

func (c *Client) Join(ctx context.Context, channel string) error {
	_, err := c.call(ctx, "join", map[string]any{"channel": channel})
	return err
}

func (c *Client) Leave(ctx context.Context, channel string) error {
	_, err := c.call(ctx, "leave", map[string]any{"channel": channel})
	return err
}

func (c *Client) Publish(ctx context.Context, channel string, signed envelope.Signed) error {
	_, err := c.call(ctx, "publish", map[string]any{"channel": channel, "envelope": &signed.Envelope})
	return err
}

func (c *Client) LogRead(ctx context.Context, sinceSeq uint64, limit int) ([]bus.Event, uint64, error) {
	raw, err := c.call(ctx, "log_read", map[string]any{"since_seq": sinceSeq, "limit": limit})
	if err != nil {
		return nil, 0, err
	}
	var out struct {
		Events    []bus.Event `json:"events"`
		LatestSeq uint64      `json:"latest_seq"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, 0, fmt.Errorf("wsbus: decode log_read: %w", err)
	}
	return out.Events, out.LatestSeq, nil
}

func (c *Client) Info(ctx context.Context) ([32]byte, error) {
	var peer [32]byte
	raw, err := c.call(ctx, "info", nil)
	if err != nil {
		return peer, err
	}
	var out struct {
		PeerHex string `json:"peer_hex"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return peer, fmt.Errorf("wsbus: decode info: %w", err)
	}
	raw32, err := hex.DecodeString(out.PeerHex)
	if err != nil || len(raw32) != 32 {
		return peer, fmt.Errorf("wsbus: malformed peer hex")
	}
	copy(peer[:], raw32)
	return peer, nil
}

// Close shuts down the websocket connection. Idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.closeChan)
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

var _ bus.Client = (*Client)(nil)
