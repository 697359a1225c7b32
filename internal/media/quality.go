package media

import (
	"fmt"
	"strings"
)

// Resolution represents video dimensions
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r Resolution) Pixels() int {
	return r.Width * r.Height
}

// Quality names a camera capture preset.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	QualityHD     Quality = "hd"
)

// QualityPreset maps a named tier to capture constraints.
type QualityPreset struct {
	Name       Quality
	Resolution Resolution
	FrameRate  int
}

// Presets are ordered from lowest to highest; a higher tier never has a
// lower resolution or frame rate than the one before it.
var qualityPresets = []QualityPreset{
	{Name: QualityLow, Resolution: Resolution{Width: 320, Height: 240}, FrameRate: 15},
	{Name: QualityMedium, Resolution: Resolution{Width: 640, Height: 480}, FrameRate: 24},
	{Name: QualityHigh, Resolution: Resolution{Width: 1280, Height: 720}, FrameRate: 30},
	{Name: QualityHD, Resolution: Resolution{Width: 1920, Height: 1080}, FrameRate: 30},
}

// DefaultQuality is used when nothing else was configured.
const DefaultQuality = QualityMedium

// Qualities returns the preset names ordered low to high.
func Qualities() []Quality {
	out := make([]Quality, len(qualityPresets))
	for i, p := range qualityPresets {
		out[i] = p.Name
	}
	return out
}

// Preset returns the constraints for q, falling back to DefaultQuality for
// unknown names.
func (q Quality) Preset() QualityPreset {
	for _, p := range qualityPresets {
		if p.Name == q {
			return p
		}
	}
	return DefaultQuality.Preset()
}

// Valid reports whether q names a known preset.
func (q Quality) Valid() bool {
	for _, p := range qualityPresets {
		if p.Name == q {
			return true
		}
	}
	return false
}

// ParseQuality converts a user supplied name into a Quality.
// Accepts the preset names plus the usual short forms.
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lo", "low", "240p":
		return QualityLow, nil
	case "med", "medium", "480p":
		return QualityMedium, nil
	case "hi", "high", "720p":
		return QualityHigh, nil
	case "hd", "fullhd", "1080p":
		return QualityHD, nil
	default:
		return "", fmt.Errorf("invalid quality: %s", s)
	}
}
