// Package sweep implements the recovery sweeper (C8): an independent
// timer-driven pass over the durable receipts store that idempotently
// re-issues claim and refund transactions the settlement driver's
// in-memory stage cache may have forgotten about across a restart.
// Grounded on the teacher's ethereum fee-estimate poller for the
// ticker shape; unlike the driver it never reads the bus or the
// negotiation context, only the receipts store and the chain.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/yourusername/swapcore/internal/chain"
	"github.com/yourusername/swapcore/internal/metrics"
	"github.com/yourusername/swapcore/internal/models"
	"github.com/yourusername/swapcore/internal/receipts"
	"github.com/yourusername/swapcore/internal/trace"
)

const (
	minIntervalMs = 1000
	maxIntervalMs = 60000
	pageSize      = 50
)

// Config holds the sweeper's tunables.
type Config struct {
	IntervalMs  int64
	ToolTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.IntervalMs < minIntervalMs {
		c.IntervalMs = minIntervalMs
	}
	if c.IntervalMs > maxIntervalMs {
		c.IntervalMs = maxIntervalMs
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 25 * time.Second
	}
	return c
}

// Stats is the bookkeeping snapshot exposed for a status endpoint.
type Stats struct {
	Sweeps       int64
	ClaimsSwept  int64
	RefundsSwept int64
	LastSweepAt  time.Time
	LastError    string
}

// Sweeper owns nothing but a chain client and the durable store — it is
// safe to run alongside or instead of the settlement driver, and safe
// to run more than once concurrently against the same store since every
// action it takes is gated by the on-chain escrow's own claimed/
// refunded flags.
type Sweeper struct {
	Chain chain.Client
	Store *receipts.Store
	Reg   *metrics.Registry
	Trace *trace.Logger
	Cfg   Config

	now   func() time.Time
	stats Stats
}

func NewSweeper(ch chain.Client, store *receipts.Store, reg *metrics.Registry, trc *trace.Logger, cfg Config) *Sweeper {
	return &Sweeper{
		Chain: ch,
		Store: store,
		Reg:   reg,
		Trace: trc,
		Cfg:   cfg.normalized(),
		now:   time.Now,
	}
}

func (s *Sweeper) Stats() Stats { return s.stats }

// Run drives Sweep on an interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)
	ticker := time.NewTicker(time.Duration(s.Cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass: every trade parked in ln_paid with a known
// preimage gets its claim re-issued if not already confirmed on chain,
// and every trade parked in escrow past its refund window gets its
// refund re-issued the same way.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.stats.Sweeps++
	s.stats.LastSweepAt = s.now()

	if err := s.sweepClaims(ctx); err != nil {
		s.stats.LastError = err.Error()
	}
	if err := s.sweepRefunds(ctx); err != nil {
		s.stats.LastError = err.Error()
	}
}

func (s *Sweeper) sweepClaims(ctx context.Context) error {
	trades, err := s.Store.ListOpenClaims(pageSize, 0)
	if err != nil {
		return fmt.Errorf("sweep: list open claims: %w", err)
	}
	for _, t := range trades {
		s.reissueClaim(ctx, t)
	}
	return nil
}

func (s *Sweeper) sweepRefunds(ctx context.Context) error {
	trades, err := s.Store.ListOpenRefunds(s.now().Unix(), pageSize, 0)
	if err != nil {
		return fmt.Errorf("sweep: list open refunds: %w", err)
	}
	for _, t := range trades {
		s.reissueRefund(ctx, t)
	}
	return nil
}

func (s *Sweeper) reissueClaim(ctx context.Context, t *models.TradeReceipt) {
	stateCtx, cancel := context.WithTimeout(ctx, s.Cfg.ToolTimeout)
	escrow, err := s.Chain.ReadEscrowState(stateCtx, t.LnPaymentHashHex)
	cancel()
	if err != nil {
		s.trace(t.TradeID, "sweep_claim", "read escrow state failed", err)
		return
	}
	if escrow != nil && escrow.Claimed {
		// already settled on chain; the receipt just never heard about it.
		s.persist(t.TradeID, models.StateClaimed)
		return
	}

	buildCtx, cancel2 := context.WithTimeout(ctx, s.Cfg.ToolTimeout)
	tx, err := s.Chain.BuildClaimTx(buildCtx, chain.ClaimParams{
		PaymentHashHex:     t.LnPaymentHashHex,
		RecipientTokenAcct: t.SolRecipient,
		PreimageHex:        t.LnPreimageHex,
		TradeFeeCollector:  t.TradeFeeCollector,
	})
	cancel2()
	if err != nil {
		s.trace(t.TradeID, "sweep_claim", "build claim tx failed", err)
		return
	}

	sendCtx, cancel3 := context.WithTimeout(ctx, s.Cfg.ToolTimeout)
	sig, err := s.Chain.SendAndConfirm(sendCtx, tx)
	cancel3()
	if err != nil {
		s.trace(t.TradeID, "sweep_claim", "send claim tx failed", err)
		return
	}
	s.stats.ClaimsSwept++
	s.persist(t.TradeID, models.StateClaimed)
	s.trace(t.TradeID, "sweep_claim", "re-issued claim "+sig, nil)
}

func (s *Sweeper) reissueRefund(ctx context.Context, t *models.TradeReceipt) {
	stateCtx, cancel := context.WithTimeout(ctx, s.Cfg.ToolTimeout)
	escrow, err := s.Chain.ReadEscrowState(stateCtx, t.LnPaymentHashHex)
	cancel()
	if err != nil {
		s.trace(t.TradeID, "sweep_refund", "read escrow state failed", err)
		return
	}
	if escrow != nil && escrow.Refunded {
		s.persist(t.TradeID, models.StateRefunded)
		return
	}
	if escrow != nil && escrow.Claimed {
		// the counterparty claimed first; refunding now would double-spend
		// a settled escrow, so the receipt just catches up.
		s.persist(t.TradeID, models.StateClaimed)
		return
	}

	buildCtx, cancel2 := context.WithTimeout(ctx, s.Cfg.ToolTimeout)
	tx, err := s.Chain.BuildRefundTx(buildCtx, chain.RefundParams{
		PaymentHashHex:  t.LnPaymentHashHex,
		RefundTokenAcct: t.SolRefund,
	})
	cancel2()
	if err != nil {
		s.trace(t.TradeID, "sweep_refund", "build refund tx failed", err)
		return
	}

	sendCtx, cancel3 := context.WithTimeout(ctx, s.Cfg.ToolTimeout)
	sig, err := s.Chain.SendAndConfirm(sendCtx, tx)
	cancel3()
	if err != nil {
		s.trace(t.TradeID, "sweep_refund", "send refund tx failed", err)
		return
	}
	s.stats.RefundsSwept++
	s.persist(t.TradeID, models.StateRefunded)
	s.trace(t.TradeID, "sweep_refund", "re-issued refund "+sig, nil)
}

func (s *Sweeper) persist(tradeID string, state models.TradeState) {
	_, _ = s.Store.UpsertTrade(tradeID, models.TradePatch{State: models.StatePtr(state)})
}

func (s *Sweeper) trace(tradeID, stage, message string, err error) {
	if s.Trace == nil {
		return
	}
	e := trace.Entry{TS: s.now(), TradeID: tradeID, Stage: stage, Message: message}
	if err != nil {
		e.Err = err.Error()
	}
	_ = s.Trace.Record(e)
}
