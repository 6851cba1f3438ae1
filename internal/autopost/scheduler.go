// Package autopost is the repeating-listing scheduler (C5): it
// republishes offer/RFQ envelopes at a bounded interval without ever
// extending their cryptographic validity window. Jobs are in-memory
// only, adapted from the teacher's ethereum fee-estimate poller
// (src/chainadapter/ethereum/fee.go): a goroutine per job, a
// context-cancelable ticker, an immediate first run.
package autopost

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yourusername/swapcore/internal/bus"
	"github.com/yourusername/swapcore/internal/envelope"
	"github.com/yourusername/swapcore/internal/errs"
	"github.com/yourusername/swapcore/internal/metrics"
	"github.com/yourusername/swapcore/internal/models"
	"github.com/yourusername/swapcore/internal/schema"
	"github.com/yourusername/swapcore/internal/trace"
)

const (
	minIntervalSec = 1
	maxIntervalSec = 86400
	minHorizonSec  = 10
	maxHorizonSec  = 604800

	minTickInterval = time.Second
)

// StartRequest is the §4.5 start() payload.
type StartRequest struct {
	Name           string
	Tool           models.AutopostTool
	IntervalSec    int64
	TTLSec         int64
	ValidUntilUnix *int64 // optional; defaults to now+TTLSec
	Args           map[string]any
}

// job is the manager's internal bookkeeping for one running Job, holding
// the frozen public snapshot plus the goroutine's cancel func.
type job struct {
	mu        sync.Mutex // serializes ticks for this job; see §4.5 "Concurrency"
	model     models.AutopostJob
	cancel    context.CancelFunc
	listingID string // stable per-job envelope trade_id slot; not a settlement trade
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Manager holds the name->Job mapping and publishes through bus.Client
// using signed envelopes built from C1/C2/C3.
type Manager struct {
	bus    bus.Client
	signer ed25519.PrivateKey
	reg    *metrics.Registry
	trc    *trace.Logger

	now func() time.Time

	mu   sync.Mutex
	jobs map[string]*job
}

// NewManager builds a Manager. reg and trc may be nil.
func NewManager(b bus.Client, signer ed25519.PrivateKey, reg *metrics.Registry, trc *trace.Logger) *Manager {
	return &Manager{
		bus:    b,
		signer: signer,
		reg:    reg,
		trc:    trc,
		now:    time.Now,
		jobs:   make(map[string]*job),
	}
}

// Start implements §4.5 start(). ctx governs the job's lifetime; Stop (or
// the job's own expiry) is the normal way to end it sooner.
func (m *Manager) Start(ctx context.Context, req StartRequest) (models.AutopostStatus, error) {
	if !req.Tool.Valid() {
		return models.AutopostStatus{}, errs.Validationf("autopost_bad_tool", "autopost: unknown tool %q", req.Tool)
	}
	if req.Name == "" {
		return models.AutopostStatus{}, errs.Validationf("autopost_bad_name", "autopost: name required")
	}

	interval := req.IntervalSec
	if interval < minIntervalSec {
		interval = minIntervalSec
	}
	if interval > maxIntervalSec {
		interval = maxIntervalSec
	}
	if req.TTLSec < minHorizonSec || req.TTLSec > maxHorizonSec {
		return models.AutopostStatus{}, errs.Validationf("autopost_bad_ttl", "autopost: ttl_sec must be in [%d, %d], got %d", minHorizonSec, maxHorizonSec, req.TTLSec)
	}

	now := m.now()
	validUntil := now.Unix() + req.TTLSec
	if req.ValidUntilUnix != nil {
		validUntil = *req.ValidUntilUnix
	}
	horizon := validUntil - now.Unix()
	if horizon < minHorizonSec || horizon > maxHorizonSec {
		return models.AutopostStatus{}, errs.Validationf("autopost_bad_horizon", "autopost: valid_until_unix horizon must be in [%d, %d]s, got %ds", minHorizonSec, maxHorizonSec, horizon)
	}

	m.mu.Lock()
	if _, exists := m.jobs[req.Name]; exists {
		m.mu.Unlock()
		return models.AutopostStatus{}, errs.Validationf("autopost_name_in_use", "autopost: job %q already running", req.Name)
	}

	listingID, err := randomHex(16)
	if err != nil {
		m.mu.Unlock()
		return models.AutopostStatus{}, errs.Terminalf("autopost_rand", err, "autopost: generate listing id")
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{
		listingID: listingID,
		model: models.AutopostJob{
			Name:           req.Name,
			Tool:           req.Tool,
			IntervalSec:    interval,
			TTLSec:         req.TTLSec,
			ValidUntilUnix: validUntil,
			Args:           models.CloneArgs(req.Args),
			StartedAt:      now,
		},
		cancel: cancel,
	}
	m.jobs[req.Name] = j
	m.mu.Unlock()

	go m.run(jobCtx, j)

	j.mu.Lock()
	status := j.model.Status()
	j.mu.Unlock()
	return status, nil
}

// run drives one job's immediate-then-ticked publish loop. It never
// extends the frozen valid_until_unix (I4) and self-deletes once that
// deadline passes.
func (m *Manager) run(ctx context.Context, j *job) {
	m.tick(ctx, j)

	j.mu.Lock()
	intervalSec := j.model.IntervalSec
	j.mu.Unlock()

	tickEvery := time.Duration(intervalSec) * time.Second
	if tickEvery < minTickInterval {
		tickEvery = minTickInterval
	}
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.expired(j) {
				m.delete(j.model.Name)
				return
			}
			m.tick(ctx, j)
		}
	}
}

func (m *Manager) expired(j *job) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return m.now().Unix() >= j.model.ValidUntilUnix
}

// tick runs one publish invocation, serialized against any other tick of
// the same job (a slow previous run can never overlap the next).
func (m *Manager) tick(ctx context.Context, j *job) {
	j.mu.Lock()
	defer j.mu.Unlock()

	runArgs := models.CloneArgs(j.model.Args)
	delete(runArgs, "ttl_sec")
	runArgs["valid_until_unix"] = j.model.ValidUntilUnix // never the given/extended value; always the fixed one

	start := m.now()
	err := m.publish(ctx, j.model.Tool, j.listingID, runArgs)
	j.model.Runs++
	j.model.LastRunAt = start
	if err != nil {
		j.model.LastOK = false
		j.model.LastError = err.Error()
	} else {
		j.model.LastOK = true
		j.model.LastError = ""
	}

	if m.reg != nil {
		m.reg.RecordAutopostRun(j.model.Name, err == nil)
	}
	if m.trc != nil {
		entry := trace.Entry{
			TS:      start,
			Stage:   "autopost",
			Kind:    string(j.model.Tool),
			Message: fmt.Sprintf("job %s run %d", j.model.Name, j.model.Runs),
		}
		if err != nil {
			entry.Err = err.Error()
		}
		_ = m.trc.Record(entry)
	}
}

// publish builds, signs, validates and sends the envelope for one tool
// invocation. channel is taken from args["channel"] and never included
// in the envelope body. listingID is the job's stable trade_id slot;
// nonce is fresh on every call so republishes are never deduplicated as
// a replay of the same envelope.
func (m *Manager) publish(ctx context.Context, tool models.AutopostTool, listingID string, args map[string]any) error {
	channel, _ := args["channel"].(string)
	if channel == "" {
		return errs.Validationf("autopost_no_channel", "autopost: args.channel required")
	}
	body := models.CloneArgs(args)
	delete(body, "channel")

	var kind envelope.Kind
	switch tool {
	case models.ToolPublishOffer:
		kind = envelope.KindSvcAnnounce
	case models.ToolPublishRFQ:
		kind = envelope.KindRFQ
	default:
		return errs.Validationf("autopost_bad_tool", "autopost: unknown tool %q", tool)
	}

	nonce, err := randomHex(12)
	if err != nil {
		return errs.Terminalf("autopost_rand", err, "autopost: generate nonce")
	}

	unsigned := &envelope.Envelope{
		V:       envelope.ProtocolVersion,
		Kind:    kind,
		TradeID: listingID,
		Body:    body,
		TS:      m.now().UnixMilli(),
		Nonce:   nonce,
	}
	signed, err := envelope.Sign(unsigned, m.signer)
	if err != nil {
		return errs.Terminalf("autopost_sign", err, "autopost: sign envelope")
	}
	if res := schema.Validate(signed); !res.OK {
		return errs.Validationf("autopost_invalid_envelope", "autopost: built envelope failed validation: %s", res.Reason)
	}

	if err := m.bus.Publish(ctx, channel, envelope.Signed{Envelope: *signed}); err != nil {
		return errs.Transientf("autopost_publish", 0, err, "autopost: publish to %s", channel)
	}
	return nil
}

// Stop implements §4.5 stop(): idempotent, missing name is not an error.
func (m *Manager) Stop(name string) (found bool) {
	m.mu.Lock()
	j, ok := m.jobs[name]
	if ok {
		delete(m.jobs, name)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel()
	return true
}

func (m *Manager) delete(name string) {
	m.mu.Lock()
	delete(m.jobs, name)
	m.mu.Unlock()
}

// Status implements §4.5 status(). An empty name returns every job,
// sorted by started_at descending; a non-empty name returns at most one.
func (m *Manager) Status(name string) []models.AutopostStatus {
	m.mu.Lock()
	var snapshots []*job
	if name == "" {
		snapshots = make([]*job, 0, len(m.jobs))
		for _, j := range m.jobs {
			snapshots = append(snapshots, j)
		}
	} else if j, ok := m.jobs[name]; ok {
		snapshots = []*job{j}
	}
	m.mu.Unlock()

	out := make([]models.AutopostStatus, 0, len(snapshots))
	for _, j := range snapshots {
		j.mu.Lock()
		out = append(out, j.model.Status())
		j.mu.Unlock()
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}
