// File: internal/observability/observer.go
package observability

import (
	"fmt"
	"io"
	"sync"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"go.uber.org/zap"
)

// ConsoleObserver renders engine notifications for a terminal operator. Log
// lines go to the structured logger; stats and challenge prompts go to out.
type ConsoleObserver struct {
	logger *zap.Logger
	out    io.Writer

	mu      sync.Mutex
	last    schemas.RunStatistics
	pending bool
}

var _ schemas.Observer = (*ConsoleObserver)(nil)

// NewConsoleObserver creates an observer writing prompts to out.
func NewConsoleObserver(logger *zap.Logger, out io.Writer) *ConsoleObserver {
	return &ConsoleObserver{
		logger: logger.Named("observer"),
		out:    out,
	}
}

func (o *ConsoleObserver) OnLog(message string) {
	o.logger.Info(message)
}

func (o *ConsoleObserver) OnStatsUpdate(stats schemas.RunStatistics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = stats
	fmt.Fprintf(o.out, "[%3.0f%%] %s\n", stats.Progress()*100, stats)
}

func (o *ConsoleObserver) OnCaptchaPending(pending bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if pending == o.pending {
		return
	}
	o.pending = pending
	if pending {
		o.logger.Warn("Security challenge detected; manual intervention required.")
		fmt.Fprintln(o.out, ">>> Solve the security challenge in the browser window, then press Enter to continue.")
		return
	}
	o.logger.Info("Security challenge no longer pending.")
}

// Pending reports whether a challenge prompt is currently shown.
func (o *ConsoleObserver) Pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// LastStats returns the most recent statistics snapshot.
func (o *ConsoleObserver) LastStats() schemas.RunStatistics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}
