package ui

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
)

var (
	iconOnce sync.Once
	iconData []byte
)

// iconBytes renders the tray icon: a filled disc with a play notch.
func iconBytes() []byte {
	iconOnce.Do(func() {
		const size = 32
		img := image.NewNRGBA(image.Rect(0, 0, size, size))
		fill := color.NRGBA{R: 0x2f, G: 0x80, B: 0xed, A: 0xff}
		mark := color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
		c := float64(size-1) / 2
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx, dy := float64(x)-c, float64(y)-c
				if dx*dx+dy*dy > c*c {
					continue
				}
				img.SetNRGBA(x, y, fill)
				// right-pointing triangle
				if x >= 12 && x <= 22 && float64(y) >= c-float64(22-x)/2 && float64(y) <= c+float64(22-x)/2 {
					img.SetNRGBA(x, y, mark)
				}
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err == nil {
			iconData = buf.Bytes()
		}
	})
	return iconData
}
