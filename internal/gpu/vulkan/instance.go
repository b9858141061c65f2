// Package vulkan implements the gpu object model on Vulkan through the
// vkngwrapper drivers. Windowing goes through SDL2.
package vulkan

import (
	"context"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2/v3"

	"github.com/vkngwrapper/raytracer/internal/gpu"
	"github.com/vkngwrapper/raytracer/internal/logger"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

type Options struct {
	ApplicationName string
	// Validation enables the Khronos validation layer and routes its messages
	// to the logger.
	Validation bool
}

type Instance struct {
	log      *slog.Logger
	procAddr unsafe.Pointer

	globalDriver   core1_0.GlobalDriver
	instanceDriver core1_0.CoreInstanceDriver

	debugDriver    ext_debug_utils.ExtensionDriver
	debugMessenger ext_debug_utils.DebugUtilsMessenger

	surfaceExtension khr_surface.ExtensionDriver
}

// NewInstance creates a Vulkan instance able to present to window.
func NewInstance(window *sdl.Window, opts Options, log *slog.Logger) (*Instance, error) {
	i := &Instance{
		log:      logger.OrNop(log).With("component", "vulkan"),
		procAddr: sdl.VulkanGetVkGetInstanceProcAddr(),
	}

	var err error
	i.globalDriver, err = core.CreateDriverFromProcAddr(i.procAddr)
	if err != nil {
		return nil, errors.Wrap(err, "load vulkan")
	}

	info := core1_0.InstanceCreateInfo{
		ApplicationName:    opts.ApplicationName,
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "raytracer",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	extensions, _, err := i.globalDriver.AvailableExtensions()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate instance extensions")
	}
	for _, ext := range window.VulkanGetInstanceExtensions() {
		if _, ok := extensions[ext]; !ok {
			return nil, errors.Newf("missing instance extension %s required by the window", ext)
		}
		info.EnabledExtensionNames = append(info.EnabledExtensionNames, ext)
	}
	if _, ok := extensions[khr_portability_enumeration.ExtensionName]; ok {
		info.EnabledExtensionNames = append(info.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		info.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	if opts.Validation {
		layers, _, err := i.globalDriver.AvailableLayers()
		if err != nil {
			return nil, errors.Wrap(err, "enumerate instance layers")
		}
		if _, ok := layers[validationLayer]; !ok {
			return nil, errors.Newf("validation layer %s not available", validationLayer)
		}
		info.EnabledLayerNames = append(info.EnabledLayerNames, validationLayer)
		info.EnabledExtensionNames = append(info.EnabledExtensionNames, ext_debug_utils.ExtensionName)
		info.Next = i.debugMessengerOptions()
	}

	i.instanceDriver, _, err = i.globalDriver.CreateInstance(nil, info)
	if err != nil {
		return nil, errors.Wrap(err, "create instance")
	}

	if opts.Validation {
		i.debugDriver = ext_debug_utils.CreateExtensionDriverFromCoreDriver(i.instanceDriver)
		i.debugMessenger, _, err = i.debugDriver.CreateDebugUtilsMessenger(nil, i.debugMessengerOptions())
		if err != nil {
			i.instanceDriver.DestroyInstance(nil)
			return nil, errors.Wrap(err, "create debug messenger")
		}
	}

	i.surfaceExtension = khr_surface.CreateExtensionDriverFromCoreDriver(i.instanceDriver)
	i.log.Info("Instance created", "extensions", len(info.EnabledExtensionNames), "validation", opts.Validation)
	return i, nil
}

func (i *Instance) debugMessengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    i.logDebug,
	}
}

func (i *Instance) logDebug(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	level := slog.LevelWarn
	if severity&ext_debug_utils.SeverityError != 0 {
		level = slog.LevelError
	}
	i.log.Log(context.Background(), level, data.Message, "type", msgType.String())
	return false
}

type Surface struct {
	surface   khr_surface.Surface
	extension khr_surface.ExtensionDriver
}

// CreateSurface wraps window in a presentation surface.
func (i *Instance) CreateSurface(window *sdl.Window) (*Surface, error) {
	surface, err := vkng_sdl2.CreateSurface(i.instanceDriver.Instance(), i.surfaceExtension, window)
	if err != nil {
		return nil, errors.Wrap(err, "create window surface")
	}
	return &Surface{surface: surface, extension: i.surfaceExtension}, nil
}

func (s *Surface) Destroy() {
	s.extension.DestroySurface(s.surface, nil)
}

func (i *Instance) Adapters() ([]gpu.Adapter, error) {
	physicalDevices, _, err := i.instanceDriver.EnumeratePhysicalDevices()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate physical devices")
	}

	var adapters []gpu.Adapter
	for _, physicalDevice := range physicalDevices {
		adapter, err := newAdapter(i, physicalDevice)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

func (i *Instance) Destroy() {
	if i.debugMessenger.Initialized() {
		i.debugDriver.DestroyDebugUtilsMessenger(i.debugMessenger, nil)
	}
	i.instanceDriver.DestroyInstance(nil)
}
