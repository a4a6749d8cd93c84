package modectl

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// LoadSampler reports system load as a 0..1+ fraction of available compute.
// Values above 1.0 mean the run queue exceeds the core count.
type LoadSampler interface {
	Sample() (float64, error)
}

// ProcSampler reads the 1-minute load average from /proc/loadavg and
// normalizes it by GOMAXPROCS.
type ProcSampler struct {
	path  string
	procs int
}

// NewProcSampler returns the default Linux sampler.
func NewProcSampler() *ProcSampler {
	return &ProcSampler{path: "/proc/loadavg", procs: runtime.GOMAXPROCS(0)}
}

// Sample implements LoadSampler.
func (p *ProcSampler) Sample() (float64, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("modectl: read %s: %w", p.path, err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, fmt.Errorf("modectl: %s: empty", p.path)
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("modectl: parse loadavg %q: %w", fields[0], err)
	}
	procs := p.procs
	if procs < 1 {
		procs = 1
	}
	return load / float64(procs), nil
}

// StaticSampler returns a settable constant; tests drive trigger windows
// with it.
type StaticSampler struct {
	mu   sync.Mutex
	load float64
	err  error
}

// NewStaticSampler returns a sampler pinned to load.
func NewStaticSampler(load float64) *StaticSampler {
	return &StaticSampler{load: load}
}

// Set changes the reported load.
func (s *StaticSampler) Set(load float64) {
	s.mu.Lock()
	s.load = load
	s.mu.Unlock()
}

// Fail makes subsequent samples return err.
func (s *StaticSampler) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Sample implements LoadSampler.
func (s *StaticSampler) Sample() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load, s.err
}
