package media_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/callsession/internal/media"
	"github.com/mikeyg42/callsession/internal/media/mediatest"
)

func TestQualityPresetsAreMonotonic(t *testing.T) {
	qualities := media.Qualities()
	require.Equal(t, []media.Quality{media.QualityLow, media.QualityMedium, media.QualityHigh, media.QualityHD}, qualities)

	for i := 1; i < len(qualities); i++ {
		prev, cur := qualities[i-1].Preset(), qualities[i].Preset()
		assert.GreaterOrEqual(t, cur.Resolution.Width, prev.Resolution.Width, "%s width", cur.Name)
		assert.GreaterOrEqual(t, cur.Resolution.Height, prev.Resolution.Height, "%s height", cur.Name)
		assert.GreaterOrEqual(t, cur.FrameRate, prev.FrameRate, "%s frame rate", cur.Name)
	}
}

func TestHighPreset(t *testing.T) {
	p := media.QualityHigh.Preset()
	assert.Equal(t, media.Resolution{Width: 1280, Height: 720}, p.Resolution)
	assert.Equal(t, 30, p.FrameRate)
	assert.Equal(t, "1280x720", p.Resolution.String())
}

func TestUnknownQualityFallsBackToDefault(t *testing.T) {
	q := media.Quality("ultra")
	assert.False(t, q.Valid())
	assert.Equal(t, media.DefaultQuality.Preset(), q.Preset())
}

func TestParseQuality(t *testing.T) {
	tests := []struct {
		in      string
		want    media.Quality
		wantErr bool
	}{
		{in: "low", want: media.QualityLow},
		{in: " MED ", want: media.QualityMedium},
		{in: "720p", want: media.QualityHigh},
		{in: "1080p", want: media.QualityHD},
		{in: "HD", want: media.QualityHD},
		{in: "4k", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := media.ParseQuality(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterDevices(t *testing.T) {
	devices := append(mediatest.Cameras(2), mediatest.Microphones(1)...)

	assert.Len(t, media.FilterDevices(devices), 3)
	cams := media.FilterDevices(devices, media.VideoInput)
	require.Len(t, cams, 2)
	assert.Equal(t, "camera-1", cams[0].DeviceID)
	assert.Len(t, media.FilterDevices(devices, media.VideoInput, media.AudioInput), 3)
	assert.Empty(t, media.FilterDevices(devices, media.AudioOutput))
}

func TestStreamStopStopsEveryTrack(t *testing.T) {
	p := mediatest.New(append(mediatest.Cameras(1), mediatest.Microphones(1)...)...)

	stream, err := p.GetUserMedia(context.Background(), media.Constraints{
		Video: &media.VideoConstraints{FacingMode: "user"},
		Audio: &media.AudioConstraints{},
	})
	require.NoError(t, err)
	require.Len(t, stream.VideoTracks(), 1)
	require.Len(t, stream.AudioTracks(), 1)
	assert.Equal(t, 2, p.LiveTotal())

	require.NoError(t, stream.Stop())
	require.NoError(t, stream.Stop())
	assert.Equal(t, 0, p.LiveTotal())
	for _, tr := range stream.Tracks() {
		assert.True(t, tr.Stopped())
	}
}

func TestStreamRemoveTrack(t *testing.T) {
	p := mediatest.New(mediatest.Cameras(1)...)
	stream, err := p.GetUserMedia(context.Background(), media.Constraints{Video: &media.VideoConstraints{}})
	require.NoError(t, err)

	tr := stream.VideoTracks()[0]
	stream.RemoveTrack(tr)
	assert.Empty(t, stream.Tracks())
	assert.False(t, tr.Stopped())
}

func TestFakeReportsMissingDevice(t *testing.T) {
	p := mediatest.New(mediatest.Cameras(1)...)
	_, err := p.GetUserMedia(context.Background(), media.Constraints{
		Video: &media.VideoConstraints{DeviceID: "camera-9"},
	})
	assert.True(t, errors.Is(err, media.ErrDeviceNotFound))
}

func TestDeviceKindString(t *testing.T) {
	assert.Equal(t, "videoinput", media.VideoInput.String())
	assert.Equal(t, "audioinput", media.AudioInput.String())
	assert.Equal(t, "audiooutput", media.AudioOutput.String())
	assert.Equal(t, "unknown", media.DeviceKind(0).String())
}
