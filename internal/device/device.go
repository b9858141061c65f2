// Package device picks the physical GPU and queue family the renderer runs on
// and owns the resulting logical device.
package device

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/gpu"
	"github.com/vkngwrapper/raytracer/internal/logger"
)

var ErrNoSuitableDevice = errors.New("no suitable device")

// Requirements is the capability set an adapter must expose.
type Requirements struct {
	Features gpu.Feature
}

// RequirementsFor returns the features the compute pass needs, plus the ray
// tracing ones when rayTracing is set.
func RequirementsFor(rayTracing bool) Requirements {
	features := gpu.FeaturePresentation | gpu.FeatureStorageImageWrite
	if rayTracing {
		features |= gpu.FeatureAccelerationStructure | gpu.FeatureRayTracingPipeline | gpu.FeatureBufferDeviceAddress
	}
	return Requirements{Features: features}
}

type Selection struct {
	Adapter     gpu.Adapter
	QueueFamily int
	// Index is the adapter's position in enumeration order.
	Index int
}

func rank(t gpu.DeviceType) int {
	switch t {
	case gpu.DeviceTypeDiscrete:
		return 0
	case gpu.DeviceTypeIntegrated:
		return 1
	}
	return 2
}

// Select returns the best adapter supporting every required feature and
// exposing a graphics+compute queue family that can present to surface.
// Discrete beats integrated beats everything else; ties go to the adapter
// enumerated first.
func Select(instance gpu.Instance, surface gpu.Surface, req Requirements, log *slog.Logger) (Selection, error) {
	log = logger.OrNop(log)

	adapters, err := instance.Adapters()
	if err != nil {
		return Selection{}, errors.Wrap(err, "enumerate adapters")
	}

	best := Selection{Index: -1}
	for index, adapter := range adapters {
		if missing := req.Features &^ adapter.Features(); missing != 0 {
			log.Debug("Rejected adapter", "name", adapter.Name(), "missing", missing.String())
			continue
		}

		family, err := queueFamily(adapter, surface)
		if err != nil {
			log.Debug("Rejected adapter", "name", adapter.Name(), "reason", "present support query failed", "error", err)
			continue
		}
		if family < 0 {
			log.Debug("Rejected adapter", "name", adapter.Name(), "reason", "no graphics+compute queue family that can present")
			continue
		}

		if best.Index >= 0 && rank(adapter.Type()) >= rank(best.Adapter.Type()) {
			continue
		}
		best = Selection{Adapter: adapter, QueueFamily: family, Index: index}
	}

	if best.Index < 0 {
		return Selection{}, errors.WithHint(
			errors.Wrapf(ErrNoSuitableDevice, "%d adapters, none with %s", len(adapters), req.Features),
			"update the GPU driver, or switch to the compute pass if ray tracing is unavailable",
		)
	}

	log.Info("Selected adapter",
		"name", best.Adapter.Name(),
		"type", best.Adapter.Type().String(),
		"queue_family", best.QueueFamily,
	)
	return best, nil
}

func queueFamily(adapter gpu.Adapter, surface gpu.Surface) (int, error) {
	for _, family := range adapter.QueueFamilies() {
		if family.QueueCount < 1 || family.Flags&(gpu.QueueGraphics|gpu.QueueCompute) != gpu.QueueGraphics|gpu.QueueCompute {
			continue
		}
		supported, err := adapter.SupportsPresent(family.Index, surface)
		if err != nil {
			return -1, err
		}
		if supported {
			return family.Index, nil
		}
	}
	return -1, nil
}
