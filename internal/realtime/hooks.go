package realtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"feedbackmic/internal/domain"
)

// hookSet is the keep-alive ticker plus the visibility and memory listeners
// attached for iOS-family clients. They are detached together.
type hookSet struct {
	stop        chan struct{}
	done        chan struct{}
	unsubscribe []func()
	once        sync.Once
}

// attachHooks must be called with c.mu held.
func (c *Client) attachHooks(gen uint64) *hookSet {
	h := &hookSet{stop: make(chan struct{}), done: make(chan struct{})}

	var visible <-chan bool
	if c.visibility != nil {
		ch, unsubscribe := c.visibility.Subscribe()
		visible = ch
		h.unsubscribe = append(h.unsubscribe, unsubscribe)
	}
	var pressure <-chan struct{}
	if c.pressure != nil {
		ch, unsubscribe := c.pressure.Subscribe()
		pressure = ch
		h.unsubscribe = append(h.unsubscribe, unsubscribe)
	}

	go c.runHooks(gen, h, visible, pressure)
	return h
}

func (c *Client) runHooks(gen uint64, h *hookSet, visible <-chan bool, pressure <-chan struct{}) {
	defer close(h.done)

	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if !c.IsOpen() {
				continue
			}
			if err := c.SendControl(domain.ControlKeepAlive); err != nil {
				log.Debug().Err(err).Msg("keep-alive failed")
			}
		case hidden, ok := <-visible:
			if !ok {
				visible = nil
				continue
			}
			if hidden {
				if c.IsOpen() {
					if err := c.SendControl(domain.ControlBackgroundMode); err != nil {
						log.Debug().Err(err).Msg("background notice failed")
					}
				}
				continue
			}
			c.resume(gen)
		case _, ok := <-pressure:
			if !ok {
				pressure = nil
				continue
			}
			if !c.recording.Get() {
				continue
			}
			c.mu.Lock()
			handler := c.handler
			stale := c.generation != gen
			c.mu.Unlock()
			if stale {
				continue
			}
			log.Warn().Msg("memory pressure while recording")
			go handler.HandleMemoryPressure()
		}
	}
}

func (h *hookSet) detach() {
	h.once.Do(func() {
		close(h.stop)
		<-h.done
		for _, unsubscribe := range h.unsubscribe {
			unsubscribe()
		}
	})
}
