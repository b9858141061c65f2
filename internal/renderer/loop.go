package renderer

import (
	"context"
	"log/slog"
	"time"

	"github.com/vkngwrapper/raytracer/internal/gpu"
	"github.com/vkngwrapper/raytracer/internal/window"
)

// idleDelay is how long a minimized window sleeps between polls.
const idleDelay = 10 * time.Millisecond

type eventSource interface {
	Poll() []window.Event
	Minimized() bool
}

type frameDriver interface {
	Resize(extent gpu.Extent2D)
	DrawFrame() error
}

// runLoop feeds window events to driver and draws a frame per iteration while
// the window is visible. It returns when the window asks to close, ctx is
// done, or a frame fails unrecoverably.
func runLoop(ctx context.Context, events eventSource, driver frameDriver, log *slog.Logger) error {
	rendering := !events.Minimized()
	for {
		if ctx.Err() != nil {
			return nil
		}

		for _, event := range events.Poll() {
			switch event.Kind {
			case window.CloseRequested:
				log.Info("Close requested")
				return nil
			case window.Minimized:
				rendering = false
				driver.Resize(gpu.Extent2D{})
			case window.Restored:
				rendering = !event.Extent.Empty()
				driver.Resize(event.Extent)
			case window.Resized:
				rendering = !event.Extent.Empty()
				driver.Resize(event.Extent)
			}
		}

		if !rendering {
			time.Sleep(idleDelay)
			continue
		}
		if err := driver.DrawFrame(); err != nil {
			return err
		}
	}
}
