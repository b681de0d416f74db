package rtc

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

type OutputState int32

const (
	OutputOk OutputState = iota
	OutputMuted
	OutputDelete
)

// Output is one consumer of remote media, e.g. the main view, the
// picture-in-picture view or a recorder.
type Output struct {
	sink  RemoteSink
	state atomic.Int32 // zero by default (OutputOk)
}

func (o *Output) State() OutputState { return OutputState(o.state.Load()) }
func (o *Output) Mute()              { o.state.Store(int32(OutputMuted)) }
func (o *Output) Resume()            { o.state.Store(int32(OutputOk)) }
func (o *Output) Remove()            { o.state.Store(int32(OutputDelete)) }

// Fanout is a RemoteSink that copies every inbound packet to the attached
// outputs. An output whose write fails is dropped; the others keep going.
type Fanout struct {
	mu      sync.RWMutex
	outputs map[string]*Output
}

func NewFanout() *Fanout {
	return &Fanout{outputs: make(map[string]*Output)}
}

// Attach registers sink under id, replacing any previous output with the
// same id.
func (f *Fanout) Attach(id string, sink RemoteSink) *Output {
	out := &Output{sink: sink}
	f.mu.Lock()
	if old, ok := f.outputs[id]; ok {
		old.Remove()
	}
	f.outputs[id] = out
	f.mu.Unlock()
	return out
}

func (f *Fanout) Detach(id string) {
	f.mu.Lock()
	if out, ok := f.outputs[id]; ok {
		out.Remove()
		delete(f.outputs, id)
	}
	f.mu.Unlock()
}

func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.outputs)
}

func (f *Fanout) WriteRTP(trackID string, pkt *rtp.Packet) error {
	f.mu.RLock()
	snapshot := maps.Clone(f.outputs)
	f.mu.RUnlock()

	var dirty []string
	for id, out := range snapshot {
		switch out.State() {
		case OutputDelete:
			dirty = append(dirty, id)
		case OutputMuted:
		case OutputOk:
			if err := out.sink.WriteRTP(trackID, pkt); err != nil {
				log.Error().Err(err).Str("module", "webrtc").Str("output", id).Str("track_id", trackID).Msg("output write error, dropping output")
				out.Remove()
				dirty = append(dirty, id)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		f.mu.Lock()
		for _, id := range dirty {
			if out, ok := f.outputs[id]; ok && out.State() == OutputDelete {
				delete(f.outputs, id)
			}
		}
		f.mu.Unlock()
	}
	return nil
}

// TrackStats counts what one remote track delivered.
type TrackStats struct {
	Packets uint64
	Bytes   uint64
}

// PacketCounter is a RemoteSink that only keeps per-track counters.
type PacketCounter struct {
	mu    sync.Mutex
	stats map[string]TrackStats
}

func NewPacketCounter() *PacketCounter {
	return &PacketCounter{stats: make(map[string]TrackStats)}
}

func (p *PacketCounter) WriteRTP(trackID string, pkt *rtp.Packet) error {
	p.mu.Lock()
	s := p.stats[trackID]
	s.Packets++
	s.Bytes += uint64(len(pkt.Payload))
	p.stats[trackID] = s
	p.mu.Unlock()
	return nil
}

func (p *PacketCounter) Stats() map[string]TrackStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.stats)
}
