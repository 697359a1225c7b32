package sfu

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/callsession/internal/transport"
)

const (
	warningPacketLoss  = 0.05 // 5%
	criticalPacketLoss = 0.15 // 15%
	warningRTT         = 200 * time.Millisecond
	criticalRTT        = 500 * time.Millisecond

	statsInterval      = 3 * time.Second
	linkBufferCapacity = 10
	emaAlpha           = 0.2
)

// linkSample is one stats reading of the local link.
type linkSample struct {
	Timestamp      time.Time
	PacketLossRate float64
	RTT            time.Duration
	ICEState       webrtc.ICEConnectionState
}

// linkBuffer holds the most recent samples with a fixed capacity.
type linkBuffer struct {
	mu       sync.RWMutex
	data     []linkSample
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest element
}

func newLinkBuffer(capacity int) *linkBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &linkBuffer{
		data:     make([]linkSample, capacity),
		capacity: capacity,
	}
}

func (b *linkBuffer) Add(s linkSample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[b.head] = s
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	} else {
		b.tail = (b.tail + 1) % b.capacity
	}
}

// Recent returns up to n samples, most recent first.
func (b *linkBuffer) Recent(n int) []linkSample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.size {
		n = b.size
	}
	out := make([]linkSample, n)
	pos := (b.head - 1 + b.capacity) % b.capacity
	for i := 0; i < n; i++ {
		out[i] = b.data[pos]
		pos = (pos - 1 + b.capacity) % b.capacity
	}
	return out
}

// All returns every sample in chronological order.
func (b *linkBuffer) All() []linkSample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}
	out := make([]linkSample, b.size)
	cur := b.tail
	for i := range out {
		out[i] = b.data[cur]
		cur = (cur + 1) % b.capacity
	}
	return out
}

func (b *linkBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *linkBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.size, b.head, b.tail = 0, 0, 0
}

// ema smooths samples oldest to newest.
func ema(samples []linkSample, value func(linkSample) float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	avg := value(samples[0])
	for _, s := range samples[1:] {
		avg = emaAlpha*value(s) + (1-emaAlpha)*avg
	}
	return avg
}

// classifyQuality grades the link from the smoothed history. The latest
// ICE state overrides the averages.
func classifyQuality(samples []linkSample) transport.ConnectionQuality {
	if len(samples) == 0 {
		return transport.QualityUnknown
	}
	switch samples[len(samples)-1].ICEState {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		return transport.QualityLost
	case webrtc.ICEConnectionStateDisconnected:
		return transport.QualityPoor
	}

	loss := ema(samples, func(s linkSample) float64 { return s.PacketLossRate })
	rtt := time.Duration(ema(samples, func(s linkSample) float64 { return float64(s.RTT) }))

	switch {
	case loss >= criticalPacketLoss || rtt >= criticalRTT:
		return transport.QualityPoor
	case loss >= warningPacketLoss || rtt >= warningRTT:
		return transport.QualityGood
	default:
		return transport.QualityExcellent
	}
}

// sampleStats reduces a stats report to a linkSample.
func sampleStats(report webrtc.StatsReport, ice webrtc.ICEConnectionState, now time.Time) linkSample {
	s := linkSample{Timestamp: now, ICEState: ice}
	var lost, received int64
	for _, stat := range report {
		switch st := stat.(type) {
		case webrtc.RemoteInboundRTPStreamStats:
			if rtt := time.Duration(st.RoundTripTime * float64(time.Second)); rtt > s.RTT {
				s.RTT = rtt
			}
		case webrtc.InboundRTPStreamStats:
			lost += int64(st.PacketsLost)
			received += int64(st.PacketsReceived)
		}
	}
	if total := lost + received; total > 0 && lost > 0 {
		s.PacketLossRate = float64(lost) / float64(total)
	}
	return s
}
