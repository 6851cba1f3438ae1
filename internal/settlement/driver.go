// Package settlement is the settlement driver (C7): a single
// timer-driven loop that tails the sidechannel bus, builds negotiation
// and trade contexts (C6), and drives five independent pipelines (four
// negotiation pipelines and a per-trade stage state machine), bounded by
// a per-tick action budget.
// Grounded on the teacher's ethereum fee-estimate poller for the
// ticker/cancellation shape and on src/chainadapter/metrics +
// internal/services/audit for the counters/trace it reports through.
package settlement

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/yourusername/swapcore/internal/bus"
	"github.com/yourusername/swapcore/internal/chain"
	"github.com/yourusername/swapcore/internal/envelope"
	"github.com/yourusername/swapcore/internal/lightning"
	"github.com/yourusername/swapcore/internal/metrics"
	"github.com/yourusername/swapcore/internal/negotiation"
	"github.com/yourusername/swapcore/internal/receipts"
	"github.com/yourusername/swapcore/internal/trace"
)

const (
	minIntervalMs = 250
	maxIntervalMs = 10000

	minToolTimeout = 250 * time.Millisecond
	maxToolTimeout = 120 * time.Second

	defaultStageCooldown    = 10 * time.Second
	solClaimStageCooldown   = 15 * time.Second
	defaultMatchWindow      = 72 * time.Hour
)

// Config holds the driver's tunables, clamped by NewDriver to the
// ranges §4.7 specifies.
type Config struct {
	IntervalMs       int64
	ActionsPerTick   int
	EventMaxAge      time.Duration
	SubscribeTimeout time.Duration
	ToolTimeout      time.Duration
	MaxTrades        int
	Channels         []string
}

func (c Config) normalized() Config {
	if c.IntervalMs < minIntervalMs {
		c.IntervalMs = minIntervalMs
	}
	if c.IntervalMs > maxIntervalMs {
		c.IntervalMs = maxIntervalMs
	}
	if c.ActionsPerTick <= 0 {
		c.ActionsPerTick = 12
	}
	if c.EventMaxAge <= 0 {
		c.EventMaxAge = 10 * time.Minute
	}
	if c.SubscribeTimeout <= 0 || c.SubscribeTimeout > 10*time.Second {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.ToolTimeout == 0 {
		c.ToolTimeout = 25 * time.Second
	}
	if c.ToolTimeout < minToolTimeout {
		c.ToolTimeout = minToolTimeout
	}
	if c.ToolTimeout > maxToolTimeout {
		c.ToolTimeout = maxToolTimeout
	}
	if c.MaxTrades <= 0 {
		c.MaxTrades = 256
	}
	return c
}

// stageKey identifies one stage slot in the per-trade state machine.
type stageKey struct {
	TradeID string
	Stage   string
}

func (k stageKey) String() string { return k.TradeID + ":" + k.Stage }

type stageStatus struct {
	Done       bool
	InFlight   bool
	RetryAfter time.Time
}

// Stats is the bookkeeping snapshot §4.7 step 6 describes.
type Stats struct {
	Ticks      int64
	Actions    int64
	LastTickAt time.Time
	LastError  string
	StartedAt  time.Time
}

// Driver owns every in-memory cache and timer of the settlement core's
// event loop. All fields below caches are touched only from inside a
// tick, which the tickMu mutex fences against overlap (§5 "reentrancy
// flag").
type Driver struct {
	Bus    bus.Client
	LN     lightning.Client
	Chain  chain.Client
	Store  *receipts.Store
	Signer ed25519.PrivateKey
	Reg    *metrics.Registry
	Trace  *trace.Logger
	Cfg    Config

	now func() time.Time

	tickMu sync.Mutex

	localPeerHex   string
	localChainB58  string
	identityFresh  bool
	lastKeepAlive  time.Time
	lastAckSeq     uint64
	window         []bus.Event

	stageState map[stageKey]*stageStatus

	autoQuotedRFQSig      map[string]bool
	autoAcceptedTradeLock map[string]bool
	invitedQuoteAccept    map[string]bool
	joinedSwapChannel     map[string]bool
	tradePreimage         map[string]string

	stats Stats
}

func NewDriver(b bus.Client, ln lightning.Client, ch chain.Client, store *receipts.Store, signer ed25519.PrivateKey, reg *metrics.Registry, trc *trace.Logger, cfg Config) *Driver {
	return &Driver{
		Bus:    b,
		LN:     ln,
		Chain:  ch,
		Store:  store,
		Signer: signer,
		Reg:    reg,
		Trace:  trc,
		Cfg:    cfg.normalized(),
		now:    time.Now,

		stageState:            make(map[stageKey]*stageStatus),
		autoQuotedRFQSig:      make(map[string]bool),
		autoAcceptedTradeLock: make(map[string]bool),
		invitedQuoteAccept:    make(map[string]bool),
		joinedSwapChannel:     make(map[string]bool),
		tradePreimage:         make(map[string]string),

		stats: Stats{StartedAt: time.Now()},
	}
}

// Stats returns a copy of the current bookkeeping snapshot.
func (d *Driver) Stats() Stats {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()
	return d.stats
}

// TraceSnapshot exposes the trace ring buffer for a status endpoint.
func (d *Driver) TraceSnapshot() []trace.Entry {
	if d.Trace == nil {
		return nil
	}
	return d.Trace.Snapshot()
}

// Run starts the interval ticker and drives Tick until ctx is canceled.
// Grounded on the teacher's fee-estimate poller: immediate first tick,
// then a context-cancelable ticker.
func (d *Driver) Run(ctx context.Context) {
	d.Tick(ctx)
	ticker := time.NewTicker(time.Duration(d.Cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one full pass of the event loop. Per §5, ticks never overlap
// (tickMu fences it) and a single stage failure never aborts the tick —
// only a failed log tail read, or a failed resolution of the local
// identity before any pipeline runs, does.
func (d *Driver) Tick(ctx context.Context) {
	if !d.tickMu.TryLock() {
		return // a tick is already in flight; §4.7 "tick_in_flight" fence
	}
	defer d.tickMu.Unlock()

	d.stats.Ticks++
	d.stats.LastTickAt = d.now()
	actionsLeft := d.Cfg.ActionsPerTick

	if err := d.keepAlive(ctx); err != nil {
		d.stats.LastError = err.Error()
	}

	if err := d.tailLog(ctx); err != nil {
		d.stats.LastError = err.Error()
		return // a failed log tail aborts the tick (§7)
	}

	if err := d.resolveIdentity(ctx); err != nil {
		d.stats.LastError = err.Error()
		return
	}

	ctxt := negotiation.Build(d.window, d.localPeerHex)

	actionsLeft = d.pipelineQuoteFromOffer(ctx, ctxt, actionsLeft)
	actionsLeft = d.pipelineAcceptQuote(ctx, ctxt, actionsLeft)
	actionsLeft = d.pipelineInviteFromAccept(ctx, ctxt, actionsLeft)
	actionsLeft = d.pipelineJoinInvite(ctx, ctxt, actionsLeft)
	actionsLeft = d.pipelineStateMachine(ctx, ctxt, actionsLeft)

	d.stats.Actions += int64(d.Cfg.ActionsPerTick - actionsLeft)
}

func (d *Driver) keepAlive(ctx context.Context) error {
	if d.now().Sub(d.lastKeepAlive) < d.Cfg.SubscribeTimeout {
		return nil
	}
	if len(d.Cfg.Channels) == 0 {
		return nil
	}
	subCtx, cancel := context.WithTimeout(ctx, d.Cfg.SubscribeTimeout)
	defer cancel()
	if err := d.Bus.Subscribe(subCtx, d.Cfg.Channels); err != nil {
		return fmt.Errorf("settlement: keep-alive subscribe: %w", err)
	}
	d.lastKeepAlive = d.now()
	return nil
}

func (d *Driver) tailLog(ctx context.Context) error {
	events, latest, err := d.Bus.LogRead(ctx, d.lastAckSeq, 0)
	if err != nil {
		return fmt.Errorf("settlement: log tail read: %w", err)
	}
	d.lastAckSeq = latest
	d.window = append(d.window, events...)

	cutoff := d.now().Add(-d.Cfg.EventMaxAge).UnixMilli()
	kept := d.window[:0]
	for _, ev := range d.window {
		if ev.TS >= cutoff {
			kept = append(kept, ev)
		}
	}
	d.window = kept
	return nil
}

func (d *Driver) resolveIdentity(ctx context.Context) error {
	if d.identityFresh {
		return nil
	}
	// The local peer's envelope identity is the signer's own public key,
	// not whatever session identity the bus happens to report for the
	// connection (in the distributed deployment the two coincide, but
	// deriving it locally avoids depending on that coincidence).
	pub, ok := d.Signer.Public().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("settlement: signer has no ed25519 public key")
	}
	d.localPeerHex = hex.EncodeToString(pub)

	signerCtx, cancel2 := context.WithTimeout(ctx, 8*time.Second)
	defer cancel2()
	signer, err := d.Chain.SignerPubkey(signerCtx)
	if err != nil {
		return fmt.Errorf("settlement: resolve chain signer: %w", err)
	}
	d.localChainB58 = signer
	d.identityFresh = true
	return nil
}

func (d *Driver) stageStatusFor(key stageKey) *stageStatus {
	s, ok := d.stageState[key]
	if !ok {
		s = &stageStatus{}
		d.stageState[key] = s
	}
	return s
}

func (d *Driver) stageReady(key stageKey) bool {
	s, ok := d.stageState[key]
	if !ok {
		return true
	}
	if s.Done || s.InFlight {
		return false
	}
	return d.now().After(s.RetryAfter) || d.now().Equal(s.RetryAfter)
}

func (d *Driver) markDone(key stageKey) {
	s := d.stageStatusFor(key)
	s.Done = true
	s.InFlight = false
}

func (d *Driver) markRetry(key stageKey, cooldown time.Duration) {
	s := d.stageStatusFor(key)
	s.InFlight = false
	s.RetryAfter = d.now().Add(cooldown)
}

func (d *Driver) traceRecord(tradeID, stage, kind, message string, err error) {
	if d.Trace == nil {
		return
	}
	e := trace.Entry{TS: d.now(), TradeID: tradeID, Stage: stage, Kind: kind, Message: message}
	if err != nil {
		e.Err = err.Error()
	}
	_ = d.Trace.Record(e)
}

func (d *Driver) recordStage(stage string, start time.Time, success bool) {
	if d.Reg != nil {
		d.Reg.RecordStage(stage, d.now().Sub(start), success)
	}
}

// signAndPublish builds, signs and publishes an envelope, then appends
// it to the trade's durable event log. It is the single chokepoint every
// pipeline/stage routes through so the at-most-once (signer, nonce,
// trade_id) triple is always present. It does not run the schema
// validator on the outgoing envelope.
func (d *Driver) signAndPublish(ctx context.Context, channel string, kind envelope.Kind, tradeID string, body map[string]any, nonce string) (*envelope.Envelope, error) {
	unsigned := &envelope.Envelope{
		V:       envelope.ProtocolVersion,
		Kind:    kind,
		TradeID: tradeID,
		Body:    body,
		TS:      d.now().UnixMilli(),
		Nonce:   nonce,
	}
	signed, err := envelope.Sign(unsigned, d.Signer)
	if err != nil {
		return nil, fmt.Errorf("settlement: sign %s: %w", kind, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.Cfg.ToolTimeout)
	defer cancel()
	if err := d.Bus.Publish(pubCtx, channel, envelope.Signed{Envelope: *signed}); err != nil {
		return nil, fmt.Errorf("settlement: publish %s: %w", kind, err)
	}

	if d.Store != nil {
		payload, _ := envelope.Marshal(signed)
		_ = d.Store.AppendEvent(tradeID, string(kind), string(payload))
	}
	return signed, nil
}

func newNonce() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
