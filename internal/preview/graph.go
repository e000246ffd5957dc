package preview

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/narrato/narrato-agent/internal/media"
)

// blockFrames is the number of stereo frames mixed per step (about 20 ms).
const blockFrames = 960

// route is one gain-controlled input of the mixing graph. Its decoder may be
// swapped on seek; its gain is changed in place.
type route struct {
	name  string
	gain  atomic.Uint64
	src   io.ReadCloser
	ended bool
	raw   []byte
}

func newRoute(name string, gain float64) *route {
	r := &route{name: name, ended: true, raw: make([]byte, blockFrames*media.Channels*media.BytesPerSample)}
	r.setGain(gain)
	return r
}

func (r *route) setGain(g float64) {
	r.gain.Store(math.Float64bits(g))
}

func (r *route) Gain() float64 {
	return math.Float64frombits(r.gain.Load())
}

// attach replaces the decoder. A nil src leaves the route silent.
func (r *route) attach(src io.ReadCloser) {
	r.detach()
	r.src = src
	r.ended = src == nil
}

func (r *route) detach() {
	if r.src != nil {
		_ = r.src.Close()
		r.src = nil
	}
	r.ended = true
}

// addInto reads up to len(dst) samples, scales them by the route gain and
// adds them to dst. It returns the number of samples contributed.
func (r *route) addInto(dst []float32) int {
	if r.ended {
		return 0
	}
	want := len(dst) * media.BytesPerSample
	n, err := io.ReadFull(r.src, r.raw[:want])
	if err != nil {
		// EOF, a short tail or a dead decoder all end the route.
		n -= n % media.BytesPerSample
		r.detach()
	}
	samples := n / media.BytesPerSample
	g := float32(r.Gain())
	for i := 0; i < samples; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(r.raw[i*media.BytesPerSample:]))
		dst[i] += v * g
	}
	return samples
}

// graph is two routes feeding one sum stage.
type graph struct {
	mu        sync.Mutex
	video     *route
	narration *route
	sum       []float32
}

func newGraph(s MixSettings) *graph {
	return &graph{
		video:     newRoute("video", s.VideoGain),
		narration: newRoute("narration", s.NarrationGain),
		sum:       make([]float32, blockFrames*media.Channels),
	}
}

func (g *graph) setGains(s MixSettings) {
	g.video.setGain(s.VideoGain)
	g.narration.setGain(s.NarrationGain)
}

// attach swaps both decoders under one lock so the next mixed block starts
// both sources at their new positions together.
func (g *graph) attach(video, narration io.ReadCloser) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.video.attach(video)
	g.narration.attach(narration)
}

func (g *graph) detach() {
	g.attach(nil, nil)
}

func (g *graph) active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.video.ended || !g.narration.ended
}

// mix renders the next block. It returns nil once both routes have ended.
func (g *graph) mix() []float32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range g.sum {
		g.sum[i] = 0
	}
	a := g.video.addInto(g.sum)
	b := g.narration.addInto(g.sum)
	n := a
	if b > n {
		n = b
	}
	n -= n % media.Channels
	if n == 0 {
		return nil
	}
	return g.sum[:n]
}
