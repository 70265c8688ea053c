// Package gpu tracks local GPU utilization for the proxy's own /llmhealth
// self-report. Sampling is pluggable: the Monitor only keeps a short rolling
// window and reports its maximum; how a sample is obtained (PDH, NVML, …) is
// the caller's concern.
package gpu

import (
	"context"
	"sync"
	"time"
)

// WindowSeconds is the number of one-second samples kept.
const WindowSeconds = 5

// Sampler returns the current local GPU utilization in [0, 100].
type Sampler func() float64

// Monitor samples once per second into a bounded window. Safe for
// concurrent use.
type Monitor struct {
	sampler Sampler

	mu     sync.Mutex
	window []float64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor around sampler. A nil sampler always reads 0, which
// keeps the self-report permanently idle on hosts without a GPU probe.
func New(sampler Sampler) *Monitor {
	if sampler == nil {
		sampler = func() float64 { return 0 }
	}
	return &Monitor{sampler: sampler}
}

// Start begins background sampling; call Stop to end it.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		m.append(m.sampler())
		for {
			select {
			case <-ticker.C:
				m.append(m.sampler())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts down the sampling goroutine.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Max returns the maximum utilization observed in the window, 0 when empty.
func (m *Monitor) Max() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	max := 0.0
	for _, v := range m.window {
		if v > max {
			max = v
		}
	}
	return max
}

func (m *Monitor) append(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window = append(m.window, v)
	if len(m.window) > WindowSeconds {
		m.window = m.window[len(m.window)-WindowSeconds:]
	}
}
