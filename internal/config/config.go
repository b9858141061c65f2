// Package config holds the renderer configuration: defaults, YAML loading and
// validation.
package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const (
	PassCompute  = "compute"
	PassRayTrace = "raytrace"

	CompositionCopy    = "copy"
	CompositionSampled = "sampled"

	SyncWait      = "wait"
	SyncPipelined = "pipelined"
)

type Config struct {
	Window  WindowConfig `yaml:"window"`
	Render  RenderConfig `yaml:"render"`
	Shaders ShaderConfig `yaml:"shaders"`
	Scene   SceneConfig  `yaml:"scene"`
	Vulkan  VulkanConfig `yaml:"vulkan"`
	Log     LogConfig    `yaml:"log"`
}

type WindowConfig struct {
	Title     string `yaml:"title"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	Resizable bool   `yaml:"resizable"`
}

type RenderConfig struct {
	// Pass is the per-frame GPU pass: compute or raytrace.
	Pass string `yaml:"pass"`
	// Composition is how the render target reaches the presentable image:
	// copy (transfer) or sampled (full-screen draw).
	Composition string `yaml:"composition"`
	// Sync is the host synchronization discipline: wait or pipelined.
	Sync            string `yaml:"sync"`
	PresentMode     string `yaml:"present_mode"`
	PreferredFormat string `yaml:"preferred_format"`
	FramesInFlight  int    `yaml:"frames_in_flight"`
	TileWidth       int    `yaml:"tile_width"`
	TileHeight      int    `yaml:"tile_height"`
	// SnapToTile asks the window to shrink to the nearest tile multiple
	// whenever it reports an unaligned size.
	SnapToTile bool `yaml:"snap_to_tile"`
}

type ShaderConfig struct {
	// RayTracingModule is the compiled SPIR-V blob holding the ray tracing stages.
	RayTracingModule string `yaml:"ray_tracing_module"`
	RayGeneration    string `yaml:"ray_generation"`
	Miss             string `yaml:"miss"`
	ClosestHit       string `yaml:"closest_hit"`
	// Validate runs IR validation on the embedded WGSL sources.
	Validate bool `yaml:"validate"`
}

type SceneConfig struct {
	Camera    CameraConfig     `yaml:"camera"`
	Mesh      string           `yaml:"mesh"`
	Material  string           `yaml:"material"`
	Instances []InstanceConfig `yaml:"instances"`
	TMin      float32          `yaml:"t_min"`
	TMax      float32          `yaml:"t_max"`
	CullMask  uint8            `yaml:"cull_mask"`
}

type CameraConfig struct {
	Position [3]float32 `yaml:"position"`
	Target   [3]float32 `yaml:"target"`
	Up       [3]float32 `yaml:"up"`
	FovY     float32    `yaml:"fov_y"`
	Near     float32    `yaml:"near"`
	Far      float32    `yaml:"far"`
}

type InstanceConfig struct {
	Translation [3]float32 `yaml:"translation"`
	Scale       [3]float32 `yaml:"scale"`
	// RotationY is in degrees.
	RotationY   float32 `yaml:"rotation_y"`
	Mask        uint8   `yaml:"mask"`
	CustomIndex uint32  `yaml:"custom_index"`
}

type VulkanConfig struct {
	Validation bool `yaml:"validation"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given: an 800x600
// window running the compute pass, copied to the presentable image, waiting on
// every frame.
func Default() *Config {
	return &Config{
		Window: WindowConfig{
			Title:     "raytracer",
			Width:     800,
			Height:    600,
			Resizable: true,
		},
		Render: RenderConfig{
			Pass:            PassCompute,
			Composition:     CompositionCopy,
			Sync:            SyncWait,
			PresentMode:     "fifo",
			PreferredFormat: "",
			FramesInFlight:  2,
			TileWidth:       10,
			TileHeight:      10,
			SnapToTile:      true,
		},
		Shaders: ShaderConfig{
			RayTracingModule: "shaders/raytrace.spv",
			RayGeneration:    "generate_rays",
			Miss:             "ray_miss",
			ClosestHit:       "ray_hit",
			Validate:         true,
		},
		Scene: SceneConfig{
			Camera: CameraConfig{
				Position: [3]float32{0, 0, 2},
				Target:   [3]float32{0, 0, 0},
				Up:       [3]float32{0, 1, 0},
				FovY:     60,
				Near:     0.1,
				Far:      100,
			},
			Instances: []InstanceConfig{
				{
					Scale: [3]float32{10, 10, 1},
					Mask:  0xFF,
				},
			},
			TMin:     0.001,
			TMax:     1000,
			CullMask: 0xFF,
		},
		Vulkan: VulkanConfig{
			Validation: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, nil
}

// Validate rejects configurations the renderer cannot honor.
func (c *Config) Validate() error {
	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		return errors.Newf("window size %dx%d must be positive", c.Window.Width, c.Window.Height)
	}

	switch c.Render.Pass {
	case PassCompute, PassRayTrace:
	default:
		return errors.Newf("unknown render pass %q (want %s or %s)", c.Render.Pass, PassCompute, PassRayTrace)
	}

	switch c.Render.Composition {
	case CompositionCopy, CompositionSampled:
	default:
		return errors.Newf("unknown composition %q (want %s or %s)", c.Render.Composition, CompositionCopy, CompositionSampled)
	}

	switch c.Render.Sync {
	case SyncWait, SyncPipelined:
	default:
		return errors.Newf("unknown sync discipline %q (want %s or %s)", c.Render.Sync, SyncWait, SyncPipelined)
	}

	switch c.Render.PresentMode {
	case "fifo", "mailbox", "immediate":
	default:
		return errors.Newf("unknown present mode %q", c.Render.PresentMode)
	}

	if c.Render.TileWidth <= 0 || c.Render.TileHeight <= 0 {
		return errors.Newf("tile %dx%d must be positive", c.Render.TileWidth, c.Render.TileHeight)
	}

	if c.Render.Sync == SyncPipelined && c.Render.FramesInFlight < 1 {
		return errors.Newf("frames_in_flight must be at least 1, got %d", c.Render.FramesInFlight)
	}

	if c.Render.Pass == PassRayTrace {
		if c.Shaders.RayTracingModule == "" {
			return errors.New("ray tracing pass needs shaders.ray_tracing_module")
		}
		if c.Shaders.RayGeneration == "" || c.Shaders.Miss == "" || c.Shaders.ClosestHit == "" {
			return errors.New("ray tracing pass needs ray_generation, miss and closest_hit entry names")
		}
		if c.Scene.TMax <= c.Scene.TMin {
			return errors.Newf("scene t_max %v must exceed t_min %v", c.Scene.TMax, c.Scene.TMin)
		}
	}

	return nil
}
