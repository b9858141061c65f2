// Package window wraps an SDL2 window and turns its event queue into the
// handful of signals the renderer reacts to.
package window

import (
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"

	"github.com/vkngwrapper/raytracer/internal/config"
	"github.com/vkngwrapper/raytracer/internal/gpu"
)

type EventKind int

const (
	Resized EventKind = iota
	CloseRequested
	RedrawRequested
	Minimized
	Restored
)

func (k EventKind) String() string {
	switch k {
	case Resized:
		return "resized"
	case CloseRequested:
		return "close-requested"
	case RedrawRequested:
		return "redraw-requested"
	case Minimized:
		return "minimized"
	case Restored:
		return "restored"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

type Event struct {
	Kind EventKind
	// Extent is the drawable size for Resized and Restored.
	Extent gpu.Extent2D
}

// translator keeps the minimized state between polls.
type translator struct {
	minimized bool
	drawable  func() gpu.Extent2D
}

func (t *translator) translate(event sdl.Event) (Event, bool) {
	switch e := event.(type) {
	case *sdl.QuitEvent:
		return Event{Kind: CloseRequested}, true
	case *sdl.WindowEvent:
		switch e.Event {
		case sdl.WINDOWEVENT_CLOSE:
			return Event{Kind: CloseRequested}, true
		case sdl.WINDOWEVENT_MINIMIZED:
			t.minimized = true
			return Event{Kind: Minimized}, true
		case sdl.WINDOWEVENT_RESTORED:
			t.minimized = false
			return Event{Kind: Restored, Extent: t.drawable()}, true
		case sdl.WINDOWEVENT_RESIZED, sdl.WINDOWEVENT_SIZE_CHANGED:
			extent := t.drawable()
			t.minimized = extent.Empty()
			return Event{Kind: Resized, Extent: extent}, true
		case sdl.WINDOWEVENT_EXPOSED:
			if !t.minimized {
				return Event{Kind: RedrawRequested}, true
			}
		}
	case *sdl.KeyboardEvent:
		if e.Type == sdl.KEYDOWN && e.Keysym.Sym == sdl.K_ESCAPE {
			return Event{Kind: CloseRequested}, true
		}
	}
	return Event{}, false
}

type Window struct {
	window *sdl.Window
	log    *slog.Logger
	events translator
}

func New(cfg config.WindowConfig, log *slog.Logger) (*Window, error) {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return nil, errors.Wrap(err, "init SDL video")
	}

	flags := uint32(sdl.WINDOW_SHOWN | sdl.WINDOW_VULKAN)
	if cfg.Resizable {
		flags |= sdl.WINDOW_RESIZABLE
	}
	window, err := sdl.CreateWindow(cfg.Title, sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED, int32(cfg.Width), int32(cfg.Height), flags)
	if err != nil {
		sdl.Quit()
		return nil, errors.Wrap(err, "create window")
	}

	w := &Window{window: window, log: log.With("component", "window")}
	w.events.drawable = w.DrawableSize
	return w, nil
}

// SDL exposes the native window for surface creation.
func (w *Window) SDL() *sdl.Window { return w.window }

func (w *Window) DrawableSize() gpu.Extent2D {
	width, height := w.window.VulkanGetDrawableSize()
	return gpu.Extent2D{Width: int(width), Height: int(height)}
}

// SetSize resizes the window so its drawable area is width x height pixels.
func (w *Window) SetSize(width, height int) {
	windowWidth, windowHeight := w.window.GetSize()
	size := toPoints(gpu.Extent2D{Width: width, Height: height},
		gpu.Extent2D{Width: int(windowWidth), Height: int(windowHeight)}, w.DrawableSize())
	w.window.SetSize(int32(size.Width), int32(size.Height))
}

// toPoints converts a drawable extent to window points using the current
// ratio between the window and its drawable. Without a usable ratio the
// extent is taken as points.
func toPoints(extent, window, drawable gpu.Extent2D) gpu.Extent2D {
	if window.Empty() || drawable.Empty() {
		return extent
	}
	return gpu.Extent2D{
		Width:  extent.Width * window.Width / drawable.Width,
		Height: extent.Height * window.Height / drawable.Height,
	}
}

func (w *Window) Minimized() bool {
	return w.window.GetFlags()&sdl.WINDOW_MINIMIZED != 0
}

// Poll drains the event queue. Unless the window is minimized, the result
// ends with a RedrawRequested so the caller renders continuously.
func (w *Window) Poll() []Event {
	var out []Event
	for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
		translated, ok := w.events.translate(event)
		if !ok || translated.Kind == RedrawRequested {
			continue
		}
		w.log.Debug("Window event", "kind", translated.Kind.String(), "extent", translated.Extent.String())
		out = append(out, translated)
	}
	if !w.events.minimized {
		out = append(out, Event{Kind: RedrawRequested})
	}
	return out
}

func (w *Window) Destroy() {
	w.window.Destroy()
	sdl.Quit()
}
