package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/veandco/go-sdl2/sdl"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

func TestTranslate(t *testing.T) {
	size := gpu.Extent2D{Width: 800, Height: 600}
	tr := &translator{drawable: func() gpu.Extent2D { return size }}

	windowEvent := func(kind uint8) sdl.Event {
		return &sdl.WindowEvent{Type: sdl.WINDOWEVENT, Event: kind}
	}

	steps := []struct {
		name      string
		event     sdl.Event
		size      gpu.Extent2D
		want      Event
		ok        bool
		minimized bool
	}{
		{"quit", &sdl.QuitEvent{Type: sdl.QUIT}, size, Event{Kind: CloseRequested}, true, false},
		{"close", windowEvent(sdl.WINDOWEVENT_CLOSE), size, Event{Kind: CloseRequested}, true, false},
		{"resized", windowEvent(sdl.WINDOWEVENT_RESIZED), gpu.Extent2D{Width: 640, Height: 480},
			Event{Kind: Resized, Extent: gpu.Extent2D{Width: 640, Height: 480}}, true, false},
		{"exposed", windowEvent(sdl.WINDOWEVENT_EXPOSED), size, Event{Kind: RedrawRequested}, true, false},
		{"minimized", windowEvent(sdl.WINDOWEVENT_MINIMIZED), size, Event{Kind: Minimized}, true, true},
		{"exposed while minimized", windowEvent(sdl.WINDOWEVENT_EXPOSED), size, Event{}, false, true},
		{"restored", windowEvent(sdl.WINDOWEVENT_RESTORED), size, Event{Kind: Restored, Extent: size}, true, false},
		{"zero size", windowEvent(sdl.WINDOWEVENT_SIZE_CHANGED), gpu.Extent2D{},
			Event{Kind: Resized}, true, true},
		{"moved", windowEvent(sdl.WINDOWEVENT_MOVED), size, Event{}, false, true},
		{"key", &sdl.KeyboardEvent{Type: sdl.KEYDOWN, Keysym: sdl.Keysym{Sym: sdl.K_a}}, size, Event{}, false, true},
		{"escape released", &sdl.KeyboardEvent{Type: sdl.KEYUP, Keysym: sdl.Keysym{Sym: sdl.K_ESCAPE}}, size, Event{}, false, true},
		{"escape", &sdl.KeyboardEvent{Type: sdl.KEYDOWN, Keysym: sdl.Keysym{Sym: sdl.K_ESCAPE}}, size,
			Event{Kind: CloseRequested}, true, true},
	}

	for _, step := range steps {
		size = step.size
		got, ok := tr.translate(step.event)
		assert.Equal(t, step.ok, ok, step.name)
		assert.Equal(t, step.want, got, step.name)
		assert.Equal(t, step.minimized, tr.minimized, step.name)
	}
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "close-requested", CloseRequested.String())
	assert.Equal(t, "event(42)", EventKind(42).String())
}

func TestToPoints(t *testing.T) {
	tests := []struct {
		name     string
		extent   gpu.Extent2D
		window   gpu.Extent2D
		drawable gpu.Extent2D
		want     gpu.Extent2D
	}{
		{"unscaled", gpu.Extent2D{Width: 800, Height: 600}, gpu.Extent2D{Width: 804, Height: 603},
			gpu.Extent2D{Width: 804, Height: 603}, gpu.Extent2D{Width: 800, Height: 600}},
		{"double density", gpu.Extent2D{Width: 1600, Height: 1200}, gpu.Extent2D{Width: 804, Height: 603},
			gpu.Extent2D{Width: 1608, Height: 1206}, gpu.Extent2D{Width: 800, Height: 600}},
		{"no drawable", gpu.Extent2D{Width: 800, Height: 600}, gpu.Extent2D{Width: 804, Height: 603},
			gpu.Extent2D{}, gpu.Extent2D{Width: 800, Height: 600}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toPoints(tt.extent, tt.window, tt.drawable))
		})
	}
}
