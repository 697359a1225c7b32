// Package devices keeps the list of capture and playback devices current
// and tracks which device of each kind is selected.
package devices

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/events"
	"github.com/mikeyg42/callsession/internal/logging"
	"github.com/mikeyg42/callsession/internal/media"
)

var kinds = []media.DeviceKind{media.VideoInput, media.AudioInput, media.AudioOutput}

// Snapshot is an immutable view of the inventory.
type Snapshot struct {
	Devices          []media.Device
	Selected         map[media.DeviceKind]string
	PermissionDenied bool
	Error            string
}

// Inventory enumerates devices through the platform and re-enumerates on
// every device-change notification. The device list is always replaced as
// a whole.
type Inventory struct {
	platform media.Platform
	logger   *zap.Logger

	refreshMu sync.Mutex
	// unlocked is set by the first successful enumeration.
	unlocked bool

	mu               sync.RWMutex
	devices          []media.Device
	loaded           bool
	selected         map[media.DeviceKind]string
	permissionDenied bool
	lastErr          string
	unsubscribe      func()

	changes events.Emitter[Snapshot]
}

func New(platform media.Platform, logger *zap.Logger) *Inventory {
	return &Inventory{
		platform: platform,
		logger:   logging.OrNop(logger).Named("devices"),
		selected: make(map[media.DeviceKind]string),
	}
}

// Start performs the first enumeration and subscribes to device-change
// notifications until Close. The subscription is kept even when the first
// enumeration fails.
func (inv *Inventory) Start(ctx context.Context) error {
	inv.mu.Lock()
	if inv.unsubscribe == nil {
		inv.unsubscribe = inv.platform.OnDeviceChange(inv.handleDeviceChange)
	}
	inv.mu.Unlock()

	return inv.Refresh(ctx)
}

// Close unsubscribes from device-change notifications.
func (inv *Inventory) Close() {
	inv.mu.Lock()
	unsubscribe := inv.unsubscribe
	inv.unsubscribe = nil
	inv.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (inv *Inventory) handleDeviceChange() {
	inv.logger.Debug("device change notification")
	if err := inv.Refresh(context.Background()); err != nil {
		inv.logger.Warn("failed to refresh devices after change", zap.Error(err))
	}
}

// ListDevices returns the devices of the given kinds, or all devices when
// none are given. The first call enumerates if nothing has been loaded yet.
func (inv *Inventory) ListDevices(ctx context.Context, kinds ...media.DeviceKind) ([]media.Device, error) {
	inv.mu.RLock()
	loaded := inv.loaded
	inv.mu.RUnlock()

	if !loaded {
		if err := inv.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return inv.Devices(kinds...), nil
}

// Devices returns the cached list filtered by kind.
func (inv *Inventory) Devices(kinds ...media.DeviceKind) []media.Device {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return media.FilterDevices(inv.devices, kinds...)
}

// Refresh re-enumerates and replaces the device list.
func (inv *Inventory) Refresh(ctx context.Context) error {
	inv.refreshMu.Lock()
	defer inv.refreshMu.Unlock()

	denied := inv.unlockLabels(ctx)

	devices, err := inv.platform.EnumerateDevices(ctx)
	if err != nil {
		ce := callerr.FromPlatform("devices.enumerate", err)
		inv.mu.Lock()
		inv.lastErr = callerr.Message(ce)
		inv.mu.Unlock()
		inv.logger.Error("failed to enumerate devices", zap.Error(err))
		return ce
	}
	devices = withPlaceholderLabels(devices)
	inv.unlocked = true

	inv.mu.Lock()
	inv.devices = devices
	inv.loaded = true
	inv.lastErr = ""
	if denied {
		inv.permissionDenied = true
	}
	for _, kind := range kinds {
		inv.selected[kind] = reconcileSelection(inv.selected[kind], media.FilterDevices(devices, kind))
	}
	snap := inv.snapshotLocked()
	inv.mu.Unlock()

	inv.logger.Debug("devices refreshed", zap.Int("count", len(devices)))
	inv.changes.Emit(snap)
	return nil
}

// unlockLabels requests capture permission until an enumeration has
// succeeded, so enumeration returns real labels. It reports whether any
// permission was denied. Callers hold refreshMu.
func (inv *Inventory) unlockLabels(ctx context.Context) bool {
	if inv.unlocked {
		return false
	}

	var req media.Constraints
	denied := false
	for _, name := range []media.PermissionName{media.PermissionCamera, media.PermissionMicrophone} {
		state, err := inv.platform.QueryPermission(ctx, name)
		if err != nil {
			inv.logger.Debug("permission query failed", zap.String("permission", string(name)), zap.Error(err))
			continue
		}
		switch state {
		case media.PermissionDenied:
			denied = true
		case media.PermissionPrompt:
			if name == media.PermissionCamera {
				req.Video = &media.VideoConstraints{FacingMode: "user"}
			} else {
				req.Audio = &media.AudioConstraints{}
			}
		}
	}
	if req.Video == nil && req.Audio == nil {
		return denied
	}

	stream, err := inv.platform.GetUserMedia(ctx, req)
	if err != nil {
		ce := callerr.FromPlatform("devices.unlock", err)
		inv.logger.Info("device label permission not granted", zap.String("reason", callerr.Message(ce)))
		return denied || ce.Kind == callerr.KindPermission
	}
	if err := stream.Stop(); err != nil {
		inv.logger.Warn("failed to release permission prompt capture", zap.Error(err))
	}
	return denied
}

// Selected returns the selected device id for kind, or "" when none.
func (inv *Inventory) Selected(kind media.DeviceKind) string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.selected[kind]
}

// Select marks id as the selected device of kind.
func (inv *Inventory) Select(kind media.DeviceKind, id string) error {
	inv.mu.Lock()
	found := false
	for _, d := range inv.devices {
		if d.Kind == kind && d.DeviceID == id {
			found = true
			break
		}
	}
	if !found {
		inv.mu.Unlock()
		return callerr.New(callerr.KindDevice, "devices.select",
			fmt.Sprintf("no %s with id %q", kind, id), media.ErrDeviceNotFound)
	}
	inv.selected[kind] = id
	snap := inv.snapshotLocked()
	inv.mu.Unlock()

	inv.changes.Emit(snap)
	return nil
}

// Snapshot returns the current state.
func (inv *Inventory) Snapshot() Snapshot {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.snapshotLocked()
}

func (inv *Inventory) snapshotLocked() Snapshot {
	selected := make(map[media.DeviceKind]string, len(inv.selected))
	for k, v := range inv.selected {
		selected[k] = v
	}
	return Snapshot{
		Devices:          append([]media.Device(nil), inv.devices...),
		Selected:         selected,
		PermissionDenied: inv.permissionDenied,
		Error:            inv.lastErr,
	}
}

// OnChange subscribes to inventory snapshots.
func (inv *Inventory) OnChange(fn func(Snapshot)) (unsubscribe func()) {
	return inv.changes.Subscribe(fn)
}

// DefaultDevice picks the device whose id or label is "default", else the
// first device. It returns "" for an empty list.
func DefaultDevice(devices []media.Device) string {
	for _, d := range devices {
		if strings.EqualFold(d.DeviceID, "default") || strings.EqualFold(d.Label, "default") {
			return d.DeviceID
		}
	}
	if len(devices) > 0 {
		return devices[0].DeviceID
	}
	return ""
}

// reconcileSelection keeps current when it is still present. A vanished
// selection falls back to the first device; no selection yet uses
// DefaultDevice.
func reconcileSelection(current string, devices []media.Device) string {
	if current == "" {
		return DefaultDevice(devices)
	}
	if media.HasDevice(devices, current) {
		return current
	}
	if len(devices) > 0 {
		return devices[0].DeviceID
	}
	return ""
}

func withPlaceholderLabels(devices []media.Device) []media.Device {
	out := make([]media.Device, len(devices))
	counts := make(map[media.DeviceKind]int)
	for i, d := range devices {
		counts[d.Kind]++
		if d.Label == "" {
			d.Label = fmt.Sprintf("%s %d", placeholderName(d.Kind), counts[d.Kind])
		}
		out[i] = d
	}
	return out
}

func placeholderName(kind media.DeviceKind) string {
	switch kind {
	case media.VideoInput:
		return "Camera"
	case media.AudioInput:
		return "Microphone"
	case media.AudioOutput:
		return "Speaker"
	default:
		return "Device"
	}
}
