// Package timeline maps scrubber input to transport time.
package timeline

import (
	"fmt"
	"math"
)

// StepSeconds is the distance moved by one arrow-key press.
const StepSeconds = 2.0

// TickInterval is the spacing of ruler labels.
const TickInterval = 3.0

// Key is a keyboard step direction.
type Key string

const (
	KeyLeft  Key = "ArrowLeft"
	KeyRight Key = "ArrowRight"
)

// PositionToTime maps a pointer at x inside a track of width w to
// (x/w)*duration, clamped to [0, duration].
func PositionToTime(x, w, duration float64) float64 {
	if w <= 0 || duration <= 0 {
		return 0
	}
	return Clamp(x/w*duration, duration)
}

// Step moves current by ±StepSeconds for the arrow keys. Other keys leave
// it unchanged. The result is clamped.
func Step(current float64, key Key, duration float64) (float64, bool) {
	var delta float64
	switch key {
	case KeyRight:
		delta = StepSeconds
	case KeyLeft:
		delta = -StepSeconds
	default:
		return current, false
	}
	return Clamp(current+delta, duration), true
}

// Clamp limits t to [0, duration].
func Clamp(t, duration float64) float64 {
	if math.IsNaN(t) || t < 0 || duration <= 0 {
		return 0
	}
	if t > duration {
		return duration
	}
	return t
}

// Format renders seconds as mm:ss.cs.
func Format(sec float64) string {
	if sec < 0 || math.IsNaN(sec) {
		sec = 0
	}
	m := int(sec / 60)
	s := int(math.Mod(sec, 60))
	cs := int(math.Mod(sec, 1) * 100)
	return fmt.Sprintf("%02d:%02d.%02d", m, s, cs)
}

// Tick is one ruler label.
type Tick struct {
	Time     float64 `json:"time"`
	Fraction float64 `json:"fraction"`
	Label    string  `json:"label"`
}

// Ticks returns ruler labels every TickInterval seconds, from 0 up to the
// first label at or after duration.
func Ticks(duration float64) []Tick {
	d := duration
	if d <= 0 {
		d = 1
	}
	n := int(math.Ceil(d/TickInterval)) + 1
	out := make([]Tick, n)
	for i := range out {
		t := float64(i) * TickInterval
		out[i] = Tick{Time: t, Fraction: t / d, Label: Format(t)}
	}
	return out
}
