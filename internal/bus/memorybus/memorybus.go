// Package memorybus is an in-process fake of bus.Client, grounded on
// the teacher's src/chainadapter/storage/memory.go MemoryTxStore: a
// single mutex guarding a couple of plain Go maps/slices, safe for
// concurrent use, with no network or serialization overhead.
package memorybus

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/yourusername/swapcore/internal/bus"
	"github.com/yourusername/swapcore/internal/envelope"
)

// Bus is a shared, in-process message log. Multiple Peer clients
// attached to the same Bus observe each other's publishes via LogRead,
// simulating a real sidechannel server for driver/autopost tests and
// two-sided end-to-end scenarios.
type Bus struct {
	mu       sync.Mutex
	log      []bus.Event
	nextSeq  uint64
	channels map[string]map[*Peer]bool
}

func NewBus() *Bus {
	return &Bus{channels: make(map[string]map[*Peer]bool)}
}

// Peer is one client's view of a shared Bus.
type Peer struct {
	bus       *Bus
	peerID    [32]byte
	joined    map[string]bool
	mu        sync.Mutex
}

// NewPeer creates a Peer with a random identity, attached to b.
func NewPeer(b *Bus) *Peer {
	var id [32]byte
	_, _ = rand.Read(id[:])
	return &Peer{bus: b, peerID: id, joined: make(map[string]bool)}
}

func (p *Peer) Subscribe(_ context.Context, channels []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range channels {
		p.joined[ch] = true
	}
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	for _, ch := range channels {
		if p.bus.channels[ch] == nil {
			p.bus.channels[ch] = make(map[*Peer]bool)
		}
		p.bus.channels[ch][p] = true
	}
	return nil
}

func (p *Peer) Join(ctx context.Context, channel string) error {
	return p.Subscribe(ctx, []string{channel})
}

func (p *Peer) Leave(_ context.Context, channel string) error {
	p.mu.Lock()
	delete(p.joined, channel)
	p.mu.Unlock()

	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	if subs := p.bus.channels[channel]; subs != nil {
		delete(subs, p)
	}
	return nil
}

func (p *Peer) Publish(_ context.Context, channel string, signed envelope.Signed) error {
	payload, err := envelope.Marshal(&signed.Envelope)
	if err != nil {
		return err
	}

	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	p.bus.nextSeq++
	p.bus.log = append(p.bus.log, bus.Event{
		Seq:     p.bus.nextSeq,
		TS:      time.Now().UnixMilli(),
		Channel: channel,
		Kind:    string(signed.Kind),
		TradeID: signed.TradeID,
		Message: payload,
	})
	return nil
}

func (p *Peer) LogRead(_ context.Context, sinceSeq uint64, limit int) ([]bus.Event, uint64, error) {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()

	var out []bus.Event
	for _, ev := range p.bus.log {
		if ev.Seq <= sinceSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, p.bus.nextSeq, nil
}

func (p *Peer) Info(_ context.Context) ([32]byte, error) {
	return p.peerID, nil
}

var _ bus.Client = (*Peer)(nil)
