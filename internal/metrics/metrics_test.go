package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectAttempt(nil, 300*time.Millisecond)
	m.ConnectAttempt(errors.New("boom"), 0)
	m.ReconnectAttempt(nil)
	m.SetParticipants(3)
	m.SetCallState(2)
	m.MediaAcquisition("camera", nil)
	m.MediaAcquisition("camera", errors.New("denied"))
	m.ScreenShareEnded("ended")
	m.DataMessage("reliable", nil)
	m.SetRoundTripTime(120 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectAttempts.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectAttempts.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnectAttempts.WithLabelValues("success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.participants))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.callState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mediaAcquisitions.WithLabelValues("camera", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.screenShares.WithLabelValues("ended")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dataMessages.WithLabelValues("reliable", "success")))
	assert.InDelta(t, 0.12, testutil.ToFloat64(m.roundTripTime), 1e-9)

	n, err := testutil.GatherAndCount(reg, "callsession_connect_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectAttempt(nil, time.Second)
		m.ReconnectAttempt(nil)
		m.SetParticipants(1)
		m.SetCallState(1)
		m.MediaAcquisition("microphone", nil)
		m.ScreenShareEnded("stopped")
		m.DataMessage("lossy", nil)
		m.SetRoundTripTime(time.Millisecond)
	})
}
