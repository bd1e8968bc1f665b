package bufferpool

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/vkngwrapper/substrate/device"
	"golang.org/x/exp/slices"
)

// LeakInfo describes an active buffer that has been held longer than a threshold
type LeakInfo struct {
	Label         string
	Usage         device.BufferUsage
	Size          int
	RequestedSize int
	AcquiredAt    time.Time
	Age           time.Duration
	// Stack is the call stack that acquired the buffer. It is empty for buffers acquired while
	// debug mode was off.
	Stack string
}

// DetectLeaks reports every active buffer acquired more than threshold ago, oldest first. It
// only functions in debug mode. Otherwise, it logs a warning and returns nil.
func (p *Pool) DetectLeaks(threshold time.Duration) []LeakInfo {
	p.logger.Debug("Pool::DetectLeaks", slog.Duration("Threshold", threshold))

	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()

	if !p.config.DebugMode {
		p.logger.Warn("leak detection requires debug mode")
		return nil
	}

	now := p.now()
	var leaks []LeakInfo

	p.active.Iter(func(buffer device.Buffer, entry *activeBuffer) bool {
		age := now.Sub(entry.acquiredAt)
		if age <= threshold {
			return false
		}

		leak := LeakInfo{
			Label:         entry.label,
			Usage:         entry.key.usage,
			Size:          entry.key.size,
			RequestedSize: entry.requestedSize,
			AcquiredAt:    entry.acquiredAt,
			Age:           age,
		}
		if entry.site != nil {
			leak.Stack = fmt.Sprintf("%+v", entry.site)
		}

		leaks = append(leaks, leak)
		return false
	})

	slices.SortFunc(leaks, func(a, b LeakInfo) bool {
		return a.AcquiredAt.Before(b.AcquiredAt)
	})

	if len(leaks) > 0 {
		p.logger.Warn("detected long-lived buffers", slog.Int("Count", len(leaks)))
	}

	return leaks
}
