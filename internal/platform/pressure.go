package platform

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"feedbackmic/internal/observe"
)

// PressureMonitor polls the Linux PSI memory file and signals subscribers
// when the short-term stall average crosses a threshold.
type PressureMonitor struct {
	path      string
	interval  time.Duration
	threshold float64

	signal *observe.Broadcaster
}

func NewPressureMonitor(path string, interval time.Duration, threshold float64) *PressureMonitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if threshold <= 0 {
		threshold = 10
	}
	return &PressureMonitor{
		path:      path,
		interval:  interval,
		threshold: threshold,
		signal:    observe.NewBroadcaster(),
	}
}

// Subscribe attaches a low-memory listener.
func (m *PressureMonitor) Subscribe() (<-chan struct{}, func()) {
	return m.signal.Subscribe()
}

// Run polls until ctx is done. A signal fires on each rising edge.
func (m *PressureMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	high := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			avg, err := m.read()
			if err != nil {
				log.Debug().Err(err).Str("path", m.path).Msg("memory pressure read failed")
				continue
			}
			m.observe(avg, &high)
		}
	}
}

func (m *PressureMonitor) observe(avg float64, high *bool) {
	over := avg >= m.threshold
	if over && !*high {
		log.Warn().Float64("avg10", avg).Msg("memory pressure detected")
		m.signal.Notify()
	}
	*high = over
}

func (m *PressureMonitor) read() (float64, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return 0, err
	}
	return parseSomeAvg10(string(data))
}

// parseSomeAvg10 reads avg10 from the "some" line of a PSI file.
func parseSomeAvg10(contents string) (float64, error) {
	for _, line := range strings.Split(contents, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "some" {
			continue
		}
		for _, field := range fields[1:] {
			value, ok := strings.CutPrefix(field, "avg10=")
			if !ok {
				continue
			}
			return strconv.ParseFloat(value, 64)
		}
	}
	return 0, fmt.Errorf("no some avg10 entry")
}
