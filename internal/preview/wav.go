package preview

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/narrato/narrato-agent/internal/media"
)

// streamingSize marks RIFF and data chunk sizes as unknown.
const streamingSize = 0xFFFFFFFF

func writeWAVHeader(w io.Writer) error {
	const bitsPerSample = 16
	blockAlign := media.Channels * bitsPerSample / 8
	h := make([]byte, 44)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], streamingSize)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:], media.Channels)
	binary.LittleEndian.PutUint32(h[24:], media.SampleRate)
	binary.LittleEndian.PutUint32(h[28:], uint32(media.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:], bitsPerSample)
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], streamingSize)
	_, err := w.Write(h)
	return err
}

// encodeS16 converts float samples to clipped 16-bit little-endian PCM.
func encodeS16(dst []byte, samples []float32) []byte {
	dst = dst[:0]
	for _, s := range samples {
		v := math.Round(float64(s) * math.MaxInt16)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(v)))
	}
	return dst
}
