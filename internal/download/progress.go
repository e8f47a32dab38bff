package download

import "sync"

// progress aggregates bytes across files fetched in parallel. Files whose
// size is not yet known contribute to done but not to total, so the
// reported fraction is clamped to stay non-decreasing and below 1 until
// every size is known.
type progress struct {
	mu      sync.Mutex
	files   map[string]*fileProgress
	last    float64
	onPoint func(done, total int64, frac float64)
}

type fileProgress struct {
	done int64
	size int64 // -1 unknown
}

func newProgress(onPoint func(done, total int64, frac float64)) *progress {
	return &progress{files: make(map[string]*fileProgress), onPoint: onPoint}
}

// track registers a file with its expected size (-1 when unknown).
func (p *progress) track(name string, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.files[name]; !ok {
		p.files[name] = &fileProgress{size: size}
	}
}

// reset sets the bytes a file has on disk and, when known, its size.
func (p *progress) reset(name string, done, size int64) {
	p.mu.Lock()
	f := p.file(name)
	f.done = done
	if size > 0 {
		f.size = size
	}
	p.mu.Unlock()
	p.report()
}

func (p *progress) add(name string, n int64) {
	p.mu.Lock()
	p.file(name).done += n
	p.mu.Unlock()
	p.report()
}

func (p *progress) file(name string) *fileProgress {
	f, ok := p.files[name]
	if !ok {
		f = &fileProgress{size: -1}
		p.files[name] = f
	}
	return f
}

// totals returns the bytes done, the total when every size is known (else
// 0), and the clamped fraction.
func (p *progress) totals() (done, total int64, frac float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	known := true
	var knownTotal int64
	for _, f := range p.files {
		done += f.done
		if f.size < 0 {
			known = false
			continue
		}
		knownTotal += f.size
	}

	switch {
	case knownTotal <= 0:
		frac = 0
	case known:
		total = knownTotal
		frac = float64(done) / float64(knownTotal)
	default:
		frac = float64(done) / float64(knownTotal+done)
	}
	if frac > 1 {
		frac = 1
	}
	if !known && frac >= 1 {
		frac = 0.99
	}
	if frac < p.last {
		frac = p.last
	}
	p.last = frac
	return done, total, frac
}

func (p *progress) report() {
	if p.onPoint == nil {
		return
	}
	done, total, frac := p.totals()
	p.onPoint(done, total, frac)
}
