package cli

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

type stopFunc func()

func startSpinner(enabled bool, description string) stopFunc {
	if !enabled {
		return func() {}
	}

	bar := progressbar.NewOptions(
		-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(80*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(120 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				_ = bar.Finish()
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-doneCh
		})
	}
}

// startPositionProgress renders how much of an audio file of length total
// has been transcribed. advance takes the end of the latest segment in
// seconds.
func startPositionProgress(enabled bool, description string, total time.Duration) (advance func(float64), stop stopFunc) {
	if !enabled || total <= 0 {
		return func(float64) {}, func() {}
	}

	limit := total.Milliseconds()
	if limit <= 0 {
		limit = 1
	}

	bar := progressbar.NewOptions64(
		limit,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(20),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)

	var (
		mu       sync.Mutex
		finished bool
	)

	advance = func(seconds float64) {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		_ = bar.Set64(min(int64(seconds*1000), limit))
	}

	stop = func() {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		finished = true
		_ = bar.Finish()
	}

	return advance, stop
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
