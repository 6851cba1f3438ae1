// Package bus defines the sidechannel pub/sub port the settlement core
// runs over. The concrete websocket implementation lives in
// internal/bus/wsbus; internal/bus/memorybus is an in-process fake used
// by tests and by the autopost/settlement unit suites.
package bus

import (
	"context"
	"encoding/json"

	"github.com/yourusername/swapcore/internal/envelope"
)

// Event is one entry of the append-only per-bus log, as returned by
// LogRead. Seq is monotonic across the whole bus log (LogRead's
// sinceSeq spans every channel); TS is the bus server's receive time in
// unix milliseconds.
type Event struct {
	Seq     uint64          `json:"seq"`
	TS      int64           `json:"ts"`
	Channel string          `json:"channel"`
	Kind    string          `json:"kind"`
	TradeID string          `json:"trade_id,omitempty"`
	Message json.RawMessage `json:"message"`
}

// Client is the sidechannel bus port (§6). Every settlement-core
// component that needs to publish or observe signed envelopes talks to
// the bus only through this interface.
type Client interface {
	Subscribe(ctx context.Context, channels []string) error
	Publish(ctx context.Context, channel string, signed envelope.Signed) error
	LogRead(ctx context.Context, sinceSeq uint64, limit int) (events []Event, latestSeq uint64, err error)
	Info(ctx context.Context) (peer [32]byte, err error)
	Join(ctx context.Context, channel string) error
	Leave(ctx context.Context, channel string) error
}
