package autopost

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/swapcore/internal/bus/memorybus"
	"github.com/yourusername/swapcore/internal/envelope"
	"github.com/yourusername/swapcore/internal/models"
)

func parseEnvelope(t *testing.T, raw []byte) (*envelope.Envelope, error) {
	t.Helper()
	return envelope.Parse(raw)
}

func testManager(t *testing.T) (*Manager, *memorybus.Bus, *memorybus.Peer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	b := memorybus.NewBus()
	peer := memorybus.NewPeer(b)
	return NewManager(peer, priv, nil, nil), b, peer
}

func validRFQArgs(channel string) map[string]any {
	return map[string]any{
		"channel":                  channel,
		"pair":                     "BTC/USDT",
		"direction":                "buy",
		"app_hash":                 "deadbeef",
		"btc_sats":                 float64(100000),
		"usdt_amount":              "4250",
		"max_platform_fee_bps":     float64(100),
		"max_trade_fee_bps":        float64(200),
		"max_total_fee_bps":        float64(300),
		"min_sol_refund_window_sec": float64(3600),
		"max_sol_refund_window_sec": float64(7200),
	}
}

func TestStartRejectsDuplicateName(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, StartRequest{Name: "job-1", Tool: models.ToolPublishRFQ, IntervalSec: 60, TTLSec: 600, Args: validRFQArgs("rfq:btc-usdt")})
	require.NoError(t, err)
	defer m.Stop("job-1")

	_, err = m.Start(ctx, StartRequest{Name: "job-1", Tool: models.ToolPublishRFQ, IntervalSec: 60, TTLSec: 600, Args: validRFQArgs("rfq:btc-usdt")})
	require.Error(t, err)
}

func TestStartRejectsTTLOutOfRange(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, StartRequest{Name: "job-2", Tool: models.ToolPublishRFQ, IntervalSec: 60, TTLSec: 5, Args: validRFQArgs("rfq:x")})
	require.Error(t, err)

	_, err = m.Start(ctx, StartRequest{Name: "job-3", Tool: models.ToolPublishRFQ, IntervalSec: 60, TTLSec: 700000, Args: validRFQArgs("rfq:x")})
	require.Error(t, err)
}

func TestStartRejectsUnknownTool(t *testing.T) {
	m, _, _ := testManager(t)
	_, err := m.Start(context.Background(), StartRequest{Name: "job-4", Tool: models.AutopostTool("publish-nft"), IntervalSec: 60, TTLSec: 600, Args: validRFQArgs("rfq:x")})
	require.Error(t, err)
}

// TestAutopostNonExtension is scenario S2: interval_sec=1, ttl_sec=10.
// After ~11.5s the job must have self-destructed, every observed publish
// must carry the same valid_until_unix, and the publish count must fall
// in [10, 12].
func TestAutopostNonExtension(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time scheduler test skipped in -short mode")
	}
	m, _, peer := testManager(t)
	ctx := context.Background()

	status, err := m.Start(ctx, StartRequest{
		Name:        "s2",
		Tool:        models.ToolPublishRFQ,
		IntervalSec: 1,
		TTLSec:      10,
		Args:        validRFQArgs("rfq:s2"),
	})
	require.NoError(t, err)
	fixedValidUntil := status.ValidUntilUnix

	time.Sleep(11500 * time.Millisecond)

	// I4: self-deletes once now >= valid_until_unix.
	require.Empty(t, m.Status("s2"))

	events, _, err := peer.LogRead(ctx, 0, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 10)
	require.LessOrEqual(t, len(events), 12)

	for _, ev := range events {
		e, err := parseEnvelope(t, ev.Message)
		require.NoError(t, err)
		vuRaw, ok := e.Body["valid_until_unix"]
		require.True(t, ok)
		vuNum, ok := vuRaw.(json.Number)
		require.True(t, ok)
		vu, err := vuNum.Int64()
		require.NoError(t, err)
		require.Equal(t, fixedValidUntil, vu)
		_, hasTTL := e.Body["ttl_sec"]
		require.False(t, hasTTL, "ttl_sec must never reach the published envelope")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, StartRequest{Name: "job-5", Tool: models.ToolPublishRFQ, IntervalSec: 60, TTLSec: 600, Args: validRFQArgs("rfq:x")})
	require.NoError(t, err)

	require.True(t, m.Stop("job-5"))
	require.False(t, m.Stop("job-5")) // missing name -> ok, not found
	require.False(t, m.Stop("never-started"))
}

func TestStatusSortedByStartedAtDescending(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, StartRequest{Name: "early", Tool: models.ToolPublishRFQ, IntervalSec: 60, TTLSec: 600, Args: validRFQArgs("rfq:a")})
	require.NoError(t, err)
	defer m.Stop("early")

	time.Sleep(10 * time.Millisecond)

	_, err = m.Start(ctx, StartRequest{Name: "late", Tool: models.ToolPublishRFQ, IntervalSec: 60, TTLSec: 600, Args: validRFQArgs("rfq:b")})
	require.NoError(t, err)
	defer m.Stop("late")

	all := m.Status("")
	require.Len(t, all, 2)
	require.Equal(t, "late", all[0].Name)
	require.Equal(t, "early", all[1].Name)
}
