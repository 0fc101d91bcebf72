package eta

import "github.com/example/roadside-assist/internal/models"

// ring keeps the newest samples, evicting the oldest once full.
type ring struct {
	buf   []models.PositionSample
	start int
	n     int
}

func newRing(size int) *ring {
	return &ring{buf: make([]models.PositionSample, size)}
}

func (r *ring) push(s models.PositionSample) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) last() (models.PositionSample, bool) {
	if r.n == 0 {
		return models.PositionSample{}, false
	}
	return r.buf[(r.start+r.n-1)%len(r.buf)], true
}

// items returns the samples oldest first.
func (r *ring) items() []models.PositionSample {
	out := make([]models.PositionSample, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}
