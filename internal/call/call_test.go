package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/devices"
	"github.com/mikeyg42/callsession/internal/localmedia"
	"github.com/mikeyg42/callsession/internal/media"
	"github.com/mikeyg42/callsession/internal/media/mediatest"
	"github.com/mikeyg42/callsession/internal/screenshare"
	"github.com/mikeyg42/callsession/internal/transport"
	"github.com/mikeyg42/callsession/internal/transport/transporttest"
)

type staticCredentials struct {
	mu   sync.Mutex
	err  error
	reqs []transport.AccessRequest
}

func (s *staticCredentials) Token(ctx context.Context, req transport.AccessRequest) (transport.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return transport.Credential{}, s.err
	}
	return transport.Credential{Token: "tok-" + req.Identity, Identity: req.Identity}, nil
}

type fixture struct {
	platform *mediatest.Platform
	room     *transporttest.Room
	creds    *staticCredentials
	session  *transport.Session
	camera   *localmedia.Controller
	mic      *localmedia.Controller
	preview  *localmedia.Preview
	screen   *screenshare.Controller
	call     *Call
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		platform: mediatest.New(append(mediatest.Cameras(2), mediatest.Microphones(1)...)...),
		room:     transporttest.New("alice"),
		creds:    &staticCredentials{},
	}
	inv := devices.New(f.platform, nil)
	require.NoError(t, inv.Start(context.Background()))
	t.Cleanup(inv.Close)

	f.session = transport.NewSession(transport.Config{
		URL:             "ws://sfu.test/rtc",
		Room:            f.room,
		Credentials:     f.creds,
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		DataRateLimit:   1000,
		DataBurst:       10,
	})
	ex := localmedia.NewExclusive()
	f.camera = localmedia.NewController(localmedia.Config{
		Kind:        media.VideoInput,
		Platform:    f.platform,
		Devices:     inv,
		Exclusive:   ex,
		SettleDelay: time.Millisecond,
	})
	f.mic = localmedia.NewController(localmedia.Config{
		Kind:      media.AudioInput,
		Platform:  f.platform,
		Devices:   inv,
		Exclusive: ex,
	})
	f.preview = localmedia.NewPreview(media.VideoInput, f.platform, ex, nil)
	f.screen = screenshare.NewController(screenshare.Config{
		Platform:  f.platform,
		Publisher: f.session,
	})
	f.call = New(Config{
		Transport:     f.session,
		Camera:        f.camera,
		Microphone:    f.mic,
		CameraPreview: f.preview,
		ScreenShare:   f.screen,
		DefaultLayout: LayoutGrid,
	})
	t.Cleanup(func() {
		_ = f.call.Close(context.Background())
		_ = f.screen.Close(context.Background())
		_ = f.session.Close(context.Background())
	})
	return f
}

func join(audio, video bool) JoinOptions {
	return JoinOptions{
		Room:         "standup",
		Identity:     "alice",
		Name:         "Alice",
		AudioEnabled: audio,
		VideoEnabled: video,
	}
}

func (f *fixture) connect(t *testing.T, audio, video bool) {
	t.Helper()
	require.NoError(t, f.call.Connect(context.Background(), join(audio, video)))
}

func (f *fixture) emit(t *testing.T, evs ...transport.Event) {
	t.Helper()
	for _, ev := range evs {
		require.True(t, f.room.Emit(ev))
	}
}

func (f *fixture) participants(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.call.Snapshot().Participants) == n
	}, time.Second, time.Millisecond)
}

func bobJoins() transport.Event {
	return transport.ParticipantJoined{Participant: transport.ParticipantInfo{Identity: "bob", Name: "Bob"}}
}

func TestConnectPublishesInitialMedia(t *testing.T) {
	f := newFixture(t)
	f.connect(t, true, true)

	s := f.call.Snapshot()
	assert.Equal(t, StatusConnected, s.Status)
	assert.Empty(t, s.Error)
	assert.Equal(t, "standup", s.Room)
	assert.True(t, s.VideoEnabled)
	assert.True(t, s.AudioEnabled)

	local, ok := s.Local()
	require.True(t, ok)
	assert.Equal(t, "alice", local.Identity)
	assert.Equal(t, "Alice", local.Name)
	assert.True(t, local.IsVideoEnabled)
	assert.True(t, local.IsAudioEnabled)
	require.NotNil(t, local.VideoTrack)
	assert.Equal(t, transport.SourceCamera, local.VideoTrack.Source)

	_, ok = f.room.Published(transport.SourceCamera)
	assert.True(t, ok)
	_, ok = f.room.Published(transport.SourceMicrophone)
	assert.True(t, ok)
	assert.Equal(t, []string{"tok-alice"}, f.room.Connects())
	assert.Equal(t, 1, f.platform.Live(mediatest.Camera))
	assert.Equal(t, 1, f.platform.Live(mediatest.Microphone))
}

func TestConnectWithMediaOff(t *testing.T) {
	f := newFixture(t)
	f.connect(t, false, false)

	s := f.call.Snapshot()
	assert.Equal(t, StatusConnected, s.Status)
	assert.False(t, s.VideoEnabled)
	assert.False(t, s.AudioEnabled)
	assert.Zero(t, f.platform.LiveTotal())
	assert.Empty(t, f.room.PublishLog())
}

func TestSecondConcurrentConnectFailsFast(t *testing.T) {
	f := newFixture(t)
	release := f.room.Block()

	done := make(chan error, 1)
	go func() { done <- f.call.Connect(context.Background(), join(false, false)) }()
	require.Eventually(t, func() bool { return len(f.room.Connects()) == 1 }, time.Second, time.Millisecond)

	err := f.call.Connect(context.Background(), join(false, false))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionInProgress)
	assert.Equal(t, callerr.KindProtocol, callerr.KindOf(err))
	assert.Equal(t, StatusConnecting, f.call.Snapshot().Status)

	release()
	require.NoError(t, <-done)
	assert.Len(t, f.room.Connects(), 1, "only one transport session was opened")
	assert.Equal(t, StatusConnected, f.call.Snapshot().Status)
}

func TestConnectWhileConnected(t *testing.T) {
	f := newFixture(t)
	f.connect(t, false, false)
	err := f.call.Connect(context.Background(), join(false, false))
	assert.ErrorIs(t, err, transport.ErrAlreadyConnected)
}

func TestCredentialFailureShowsRetry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.preview.Start(context.Background(), "", media.QualityLow))
	f.creds.err = errors.New("issuer returned 500")

	err := f.call.Connect(context.Background(), join(true, true))
	require.Error(t, err)
	assert.Equal(t, callerr.KindNetwork, callerr.KindOf(err))

	s := f.call.Snapshot()
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.Contains(t, s.Error, "failed to get access token")
	assert.True(t, s.ShowRetry())
	assert.Empty(t, s.Participants)
	assert.Zero(t, f.platform.LiveTotal(), "handed off preview released")
	assert.Empty(t, f.room.Connects())

	// A retry after fixing the issuer succeeds.
	f.creds.err = nil
	f.connect(t, false, false)
	assert.False(t, f.call.Snapshot().ShowRetry())
}

func TestMediaFailureDoesNotFailConnect(t *testing.T) {
	f := newFixture(t)
	f.platform.FailNextUserMedia(media.ErrPermissionDenied)

	f.connect(t, true, true)

	s := f.call.Snapshot()
	assert.Equal(t, StatusConnected, s.Status)
	assert.Empty(t, s.Error)
	assert.Equal(t, "permission denied", s.MediaError)
	assert.False(t, s.VideoEnabled)
	assert.True(t, s.AudioEnabled)
}

func TestPreviewIsHandedOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.preview.Start(ctx, "camera-2", media.QualityMedium))

	f.connect(t, false, true)

	assert.Len(t, f.platform.UserMediaCalls(), 1, "camera not acquired a second time")
	assert.Equal(t, 1, f.platform.MaxLive(mediatest.Camera))
	assert.False(t, f.preview.Active())
	assert.Equal(t, "camera-2", f.camera.Snapshot().DeviceID)
	_, ok := f.room.Published(transport.SourceCamera)
	assert.True(t, ok)
}

func TestPreviewStoppedWhenVideoDisabled(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.preview.Start(context.Background(), "", media.QualityMedium))

	f.connect(t, false, false)

	assert.False(t, f.preview.Active())
	assert.Zero(t, f.platform.Live(mediatest.Camera))
}

func TestDisconnectReleasesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, true, true)

	f.emit(t,
		bobJoins(),
		transport.ParticipantJoined{Participant: transport.ParticipantInfo{Identity: "carol"}},
		transport.TrackSubscribed{Track: transport.TrackInfo{SID: "TR_b", Identity: "bob", Source: transport.SourceCamera}},
		transport.TrackSubscribed{Track: transport.TrackInfo{SID: "TR_c", Identity: "carol", Source: transport.SourceScreenShare}},
	)
	f.participants(t, 3)
	_, err := f.call.ToggleScreenShare(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, f.call.Pin("bob"))
	require.NoError(t, f.call.SetLayout(LayoutSpeaker))
	require.Equal(t, 3, f.platform.LiveTotal())

	require.NoError(t, f.call.Disconnect(ctx))

	s := f.call.Snapshot()
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.Empty(t, s.Error)
	assert.False(t, s.ShowRetry())
	assert.Empty(t, s.Participants)
	assert.Empty(t, s.Pinned)
	assert.Equal(t, LayoutGrid, s.Layout)
	assert.False(t, s.VideoEnabled)
	assert.False(t, s.AudioEnabled)
	assert.False(t, s.ScreenSharing)
	assert.Zero(t, f.platform.LiveTotal())
	assert.Empty(t, f.screen.Snapshot().ActiveTracks)
	assert.False(t, f.room.Connected())

	// Late events from the old connection do not repopulate the list.
	f.room.Emit(bobJoins())
	assert.Empty(t, f.call.Snapshot().Participants)

	require.NoError(t, f.call.Disconnect(ctx), "disconnect is idempotent")
}

func TestPinClearedWhenParticipantLeaves(t *testing.T) {
	f := newFixture(t)
	f.connect(t, false, false)
	f.emit(t, bobJoins())
	f.participants(t, 2)

	assert.Error(t, f.call.Pin("nobody"))
	require.NoError(t, f.call.Pin("bob"))
	assert.Equal(t, "bob", f.call.Snapshot().Pinned)

	f.emit(t, transport.ParticipantLeft{Identity: "bob"})
	f.participants(t, 1)
	assert.Empty(t, f.call.Snapshot().Pinned)

	f.call.Unpin()
	assert.Empty(t, f.call.Snapshot().Pinned)
}

func TestSnapshotsAreNotModifiedByLaterEvents(t *testing.T) {
	f := newFixture(t)
	f.connect(t, false, false)
	f.emit(t, bobJoins())
	f.participants(t, 2)

	before := f.call.Snapshot()
	f.emit(t, transport.ActiveSpeakersChanged{Identities: []string{"bob"}})
	require.Eventually(t, func() bool {
		return f.call.Snapshot().Participants[1].IsSpeaking
	}, time.Second, time.Millisecond)
	assert.False(t, before.Participants[1].IsSpeaking)
}

func TestTransientLossShowsReconnectingWithoutError(t *testing.T) {
	f := newFixture(t)
	f.connect(t, false, false)

	var mu sync.Mutex
	var seen []State
	unsub := f.call.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer unsub()

	require.True(t, f.room.DropConnection(errors.New("ice failed")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		reconnecting := false
		for _, s := range seen {
			if s.Status == StatusReconnecting {
				reconnecting = true
			}
		}
		return reconnecting && seen[len(seen)-1].Status == StatusConnected
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, s := range seen {
		assert.Empty(t, s.Error)
		assert.False(t, s.ShowRetry())
	}
}

func TestTerminalLossShowsRetry(t *testing.T) {
	f := newFixture(t)
	f.connect(t, true, true)
	f.emit(t, bobJoins())
	f.participants(t, 2)
	require.NoError(t, f.call.Pin("bob"))

	f.room.FailResumes(errors.New("sfu gone"), errors.New("sfu gone"))
	require.True(t, f.room.DropConnection(errors.New("ice failed")))

	require.Eventually(t, func() bool { return f.call.Snapshot().ShowRetry() }, time.Second, time.Millisecond)
	s := f.call.Snapshot()
	assert.Contains(t, s.Error, "connection lost")
	assert.Empty(t, s.Participants)
	assert.Empty(t, s.Pinned)
	require.Eventually(t, func() bool { return f.platform.LiveTotal() == 0 }, time.Second, time.Millisecond)
}

func TestMediaChangedWhileReconnectingCatchesUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, true, false)
	_, micPublished := f.room.Published(transport.SourceMicrophone)
	require.True(t, micPublished)

	release := f.room.BlockResume()
	defer release()
	require.True(t, f.room.DropConnection(errors.New("ice failed")))
	require.Eventually(t, func() bool { return f.call.Snapshot().Status == StatusReconnecting }, time.Second, time.Millisecond)

	on, err := f.call.ToggleCamera(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	on, err = f.call.ToggleMicrophone(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	_, camPublished := f.room.Published(transport.SourceCamera)
	assert.False(t, camPublished, "nothing can be published while reconnecting")
	_, micPublished = f.room.Published(transport.SourceMicrophone)
	assert.True(t, micPublished, "the resumed room still carries the old track")

	release()
	require.Eventually(t, func() bool {
		_, cam := f.room.Published(transport.SourceCamera)
		_, mic := f.room.Published(transport.SourceMicrophone)
		return f.call.Snapshot().Status == StatusConnected && cam && !mic
	}, time.Second, time.Millisecond)

	s := f.call.Snapshot()
	assert.True(t, s.VideoEnabled)
	assert.False(t, s.AudioEnabled)
	assert.Equal(t, 1, f.platform.Live(mediatest.Camera))
	assert.Zero(t, f.platform.Live(mediatest.Microphone))
}

func TestMediaTogglesRequireConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.call.ToggleCamera(ctx)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	_, err = f.call.ToggleMicrophone(ctx)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	_, err = f.call.ToggleDeafen(ctx)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	_, err = f.call.ToggleScreenShare(ctx, nil)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.ErrorIs(t, f.call.SendData(ctx, []byte("x"), transport.Reliable, ""), transport.ErrNotConnected)
	assert.Zero(t, f.platform.LiveTotal())
}

func TestToggleCamera(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, false, false)

	on, err := f.call.ToggleCamera(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	assert.True(t, f.call.Snapshot().VideoEnabled)
	_, published := f.room.Published(transport.SourceCamera)
	assert.True(t, published)

	on, err = f.call.ToggleCamera(ctx)
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, f.call.Snapshot().VideoEnabled)
	_, published = f.room.Published(transport.SourceCamera)
	assert.False(t, published)
	assert.Zero(t, f.platform.Live(mediatest.Camera))
}

func TestToggleCameraPublishFailureReleasesCapture(t *testing.T) {
	f := newFixture(t)
	f.connect(t, false, false)
	f.room.FailNextPublish(errors.New("sfu refused"))

	on, err := f.call.ToggleCamera(context.Background())
	require.Error(t, err)
	assert.False(t, on)
	assert.Zero(t, f.platform.Live(mediatest.Camera))
	assert.False(t, f.call.Snapshot().VideoEnabled)
}

func TestDeafenImpliesMuted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, true, false)

	deaf, err := f.call.ToggleDeafen(ctx)
	require.NoError(t, err)
	assert.True(t, deaf)
	s := f.call.Snapshot()
	assert.True(t, s.Deafened)
	assert.False(t, s.AudioEnabled)
	assert.Zero(t, f.platform.Live(mediatest.Microphone))

	deaf, err = f.call.ToggleDeafen(ctx)
	require.NoError(t, err)
	assert.False(t, deaf)
	assert.True(t, f.call.Snapshot().AudioEnabled)
	assert.Equal(t, 1, f.platform.Live(mediatest.Microphone))

	// Muted before deafening stays muted after undeafening.
	on, err := f.call.ToggleMicrophone(ctx)
	require.NoError(t, err)
	assert.False(t, on)
	_, err = f.call.ToggleDeafen(ctx)
	require.NoError(t, err)
	_, err = f.call.ToggleDeafen(ctx)
	require.NoError(t, err)
	s = f.call.Snapshot()
	assert.False(t, s.Deafened)
	assert.False(t, s.AudioEnabled)

	// Unmuting while deafened undeafens.
	_, err = f.call.ToggleDeafen(ctx)
	require.NoError(t, err)
	on, err = f.call.ToggleMicrophone(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	s = f.call.Snapshot()
	assert.False(t, s.Deafened)
	assert.True(t, s.AudioEnabled)
	_, published := f.room.Published(transport.SourceMicrophone)
	assert.True(t, published)
}

func TestScreenShareUpdatesLocalParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, false, false)

	on, err := f.call.ToggleScreenShare(ctx, nil)
	require.NoError(t, err)
	assert.True(t, on)
	s := f.call.Snapshot()
	assert.True(t, s.ScreenSharing)
	local, _ := s.Local()
	assert.True(t, local.IsScreenSharing)
	require.NotNil(t, local.ScreenTrack)
	_, published := f.room.Published(transport.SourceScreenShare)
	assert.True(t, published)

	// The platform "stop sharing" control ends the share.
	tracks := f.platform.LiveTracks(mediatest.Screen)
	require.Len(t, tracks, 1)
	tracks[0].End()
	require.Eventually(t, func() bool { return !f.call.Snapshot().ScreenSharing }, time.Second, time.Millisecond)
	local, _ = f.call.Snapshot().Local()
	assert.False(t, local.IsScreenSharing)
	assert.Nil(t, local.ScreenTrack)
}

func TestRemoteScreenShareReachesViewer(t *testing.T) {
	f := newFixture(t)
	f.connect(t, false, false)
	share := transport.TrackInfo{SID: "TR_s", Identity: "bob", Source: transport.SourceScreenShare}

	f.emit(t, bobJoins(), transport.TrackSubscribed{Track: share})
	require.Eventually(t, func() bool {
		_, ok := f.screen.Snapshot().ActiveTracks["bob"]
		return ok
	}, time.Second, time.Millisecond)
	require.NoError(t, f.screen.FocusTrack("bob"))
	require.Eventually(t, func() bool {
		ps := f.call.Snapshot().Participants
		return len(ps) == 2 && ps[1].IsScreenSharing
	}, time.Second, time.Millisecond)

	f.emit(t, transport.ParticipantLeft{Identity: "bob"})
	require.Eventually(t, func() bool {
		return len(f.screen.Snapshot().ActiveTracks) == 0
	}, time.Second, time.Millisecond)
	assert.Empty(t, f.screen.Snapshot().Viewer.FocusedTrack)
}

func TestSwitchCameraRepublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, false, true)

	require.NoError(t, f.call.SwitchCamera(ctx))
	info, ok := f.room.Published(transport.SourceCamera)
	require.True(t, ok)
	assert.Equal(t, "camera-2", info.Local.Settings().DeviceID)
	assert.Equal(t, 1, f.platform.Live(mediatest.Camera))

	require.NoError(t, f.call.SetQuality(ctx, media.QualityHigh))
	info, _ = f.room.Published(transport.SourceCamera)
	assert.Equal(t, 1280, info.Local.Settings().Width)

	require.NoError(t, f.call.SelectDevice(ctx, media.VideoInput, "camera-1"))
	info, _ = f.room.Published(transport.SourceCamera)
	assert.Equal(t, "camera-1", info.Local.Settings().DeviceID)
	assert.Empty(t, f.platform.Violations())

	assert.Error(t, f.call.SelectDevice(ctx, media.AudioOutput, "speaker"))
}

func TestSendData(t *testing.T) {
	f := newFixture(t)
	f.connect(t, false, false)
	require.NoError(t, f.call.SendData(context.Background(), []byte(`{"emoji":"👍"}`), transport.Reliable, "reactions"))
	sent := f.room.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "reactions", sent[0].Topic)
}

func TestSetLayout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.call.SetLayout(LayoutFullscreen))
	assert.Equal(t, LayoutFullscreen, f.call.Snapshot().Layout)
	assert.Error(t, f.call.SetLayout("carousel"))
	assert.Equal(t, LayoutFullscreen, f.call.Snapshot().Layout)
}
