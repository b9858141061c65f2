package device

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/raytracer/internal/gpu"
	"github.com/vkngwrapper/raytracer/internal/logger"
)

// Context is handed to every component constructor in place of global device
// state. It owns the logical device; the instance and surface stay with the
// caller.
type Context struct {
	Adapter  gpu.Adapter
	Device   gpu.Device
	Queue    gpu.Queue
	Surface  gpu.Surface
	Features gpu.Feature
	Logger   *slog.Logger
}

// Create selects an adapter and opens a logical device with one queue on it.
func Create(instance gpu.Instance, surface gpu.Surface, req Requirements, log *slog.Logger) (*Context, error) {
	log = logger.OrNop(log)

	selection, err := Select(instance, surface, req, log)
	if err != nil {
		return nil, err
	}

	dev, err := instance.CreateDevice(gpu.DeviceDesc{
		Adapter:     selection.Adapter,
		QueueFamily: selection.QueueFamily,
		Features:    req.Features,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create device on %s", selection.Adapter.Name())
	}

	return &Context{
		Adapter:  selection.Adapter,
		Device:   dev,
		Queue:    dev.Queue(),
		Surface:  surface,
		Features: req.Features,
		Logger:   log,
	}, nil
}

// RayTracing returns the device as a ray tracing device, if it was opened with
// the ray tracing features.
func (c *Context) RayTracing() (gpu.RayTracingDevice, error) {
	rt, ok := c.Device.(gpu.RayTracingDevice)
	if !ok || !c.Features.Has(gpu.FeatureAccelerationStructure|gpu.FeatureRayTracingPipeline) {
		return nil, errors.Wrap(gpu.ErrUnsupported, "ray tracing")
	}
	return rt, nil
}

// Destroy drains the device and destroys it. A failed idle is logged; the
// device is destroyed regardless.
func (c *Context) Destroy() {
	if err := c.Device.WaitIdle(); err != nil {
		c.Logger.Error("Failed to idle device", "error", err)
	}
	c.Device.Destroy()
}
