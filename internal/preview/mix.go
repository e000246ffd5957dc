// Package preview auditions the source audio and the narration summed at
// independent gains, without an offline encode, and drives the UI player's
// transport.
package preview

import "math"

// DefaultGain applies to both routes until the user moves a slider.
const DefaultGain = 0.5

// MixSettings are the two linear gains shared by the preview and the export.
type MixSettings struct {
	VideoGain     float64 `json:"video_gain"`
	NarrationGain float64 `json:"narration_gain"`
}

// DefaultMixSettings returns 0.5/0.5.
func DefaultMixSettings() MixSettings {
	return MixSettings{VideoGain: DefaultGain, NarrationGain: DefaultGain}
}

// Clamp returns the settings with each gain limited to [0, 1]. NaN becomes 0.
func (s MixSettings) Clamp() MixSettings {
	return MixSettings{VideoGain: clampGain(s.VideoGain), NarrationGain: clampGain(s.NarrationGain)}
}

// FromPercent converts slider percentages (0..100).
func FromPercent(video, narration int) MixSettings {
	return MixSettings{VideoGain: float64(video) / 100, NarrationGain: float64(narration) / 100}.Clamp()
}

func clampGain(g float64) float64 {
	if math.IsNaN(g) || g < 0 {
		return 0
	}
	if g > 1 {
		return 1
	}
	return g
}
