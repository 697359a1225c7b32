package sfu

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/callsession/internal/transport"
)

func TestLinkBufferWrapsAround(t *testing.T) {
	b := newLinkBuffer(3)
	assert.Nil(t, b.All())

	base := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		b.Add(linkSample{Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	require.Equal(t, 3, b.Size())

	all := b.All()
	require.Len(t, all, 3)
	assert.Equal(t, base.Add(2*time.Second), all[0].Timestamp)
	assert.Equal(t, base.Add(4*time.Second), all[2].Timestamp)

	recent := b.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, base.Add(4*time.Second), recent[0].Timestamp)
	assert.Equal(t, base.Add(3*time.Second), recent[1].Timestamp)
	assert.Len(t, b.Recent(10), 3)

	b.Clear()
	assert.Zero(t, b.Size())
}

func TestClassifyQuality(t *testing.T) {
	connected := webrtc.ICEConnectionStateConnected
	tests := []struct {
		name    string
		samples []linkSample
		want    transport.ConnectionQuality
	}{
		{"no samples", nil, transport.QualityUnknown},
		{"clean link", []linkSample{{RTT: 40 * time.Millisecond, ICEState: connected}}, transport.QualityExcellent},
		{"warning rtt", []linkSample{{RTT: 250 * time.Millisecond, ICEState: connected}}, transport.QualityGood},
		{"warning loss", []linkSample{{PacketLossRate: 0.07, ICEState: connected}}, transport.QualityGood},
		{"critical loss", []linkSample{{PacketLossRate: 0.2, ICEState: connected}}, transport.QualityPoor},
		{"critical rtt", []linkSample{{RTT: 600 * time.Millisecond, ICEState: connected}}, transport.QualityPoor},
		{"ice disconnected", []linkSample{{ICEState: webrtc.ICEConnectionStateDisconnected}}, transport.QualityPoor},
		{"ice failed", []linkSample{
			{RTT: 10 * time.Millisecond, ICEState: connected},
			{ICEState: webrtc.ICEConnectionStateFailed},
		}, transport.QualityLost},
		{"single spike is smoothed", []linkSample{
			{RTT: 50 * time.Millisecond, ICEState: connected},
			{RTT: 50 * time.Millisecond, ICEState: connected},
			{RTT: 50 * time.Millisecond, ICEState: connected},
			{RTT: 600 * time.Millisecond, ICEState: connected},
		}, transport.QualityExcellent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyQuality(tt.samples))
		})
	}
}

func TestSampleStats(t *testing.T) {
	report := webrtc.StatsReport{
		"in-audio": webrtc.InboundRTPStreamStats{PacketsReceived: 90, PacketsLost: 10},
		"remote":   webrtc.RemoteInboundRTPStreamStats{RoundTripTime: 0.12},
	}
	now := time.Now()
	s := sampleStats(report, webrtc.ICEConnectionStateConnected, now)
	assert.InDelta(t, 0.1, s.PacketLossRate, 1e-9)
	assert.Equal(t, 120*time.Millisecond, s.RTT)
	assert.Equal(t, now, s.Timestamp)
}

func TestAudioLevelExtraction(t *testing.T) {
	payload, err := rtp.AudioLevelExtension{Level: 30, Voice: true}.Marshal()
	require.NoError(t, err)

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}}
	require.NoError(t, pkt.SetExtension(3, payload))

	level, voice, ok := audioLevel(pkt, 3)
	require.True(t, ok)
	assert.Equal(t, uint8(30), level)
	assert.True(t, voice)

	_, _, ok = audioLevel(pkt, 4)
	assert.False(t, ok)
	_, _, ok = audioLevel(pkt, 0)
	assert.False(t, ok)
}

func TestSpeakerTracker(t *testing.T) {
	tr := newSpeakerTracker()
	now := time.Unix(100, 0)

	tr.Observe("quiet", 120, now)
	tr.Observe("bob", 40, now)
	tr.Observe("carol", 20, now)

	ids, changed := tr.Update(now)
	assert.True(t, changed)
	assert.Equal(t, []string{"carol", "bob"}, ids)

	_, changed = tr.Update(now.Add(100 * time.Millisecond))
	assert.False(t, changed)

	tr.Observe("bob", 45, now.Add(400*time.Millisecond))
	ids, changed = tr.Update(now.Add(700 * time.Millisecond))
	assert.True(t, changed)
	assert.Equal(t, []string{"bob"}, ids)

	tr.Forget("bob")
	ids, changed = tr.Update(now.Add(800 * time.Millisecond))
	assert.True(t, changed)
	assert.Empty(t, ids)
}
