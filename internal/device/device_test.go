package device

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/raytracer/internal/gpu"
	"github.com/vkngwrapper/raytracer/internal/gpu/gputest"
)

var (
	computeFeatures = gpu.FeaturePresentation | gpu.FeatureStorageImageWrite
	allFeatures     = computeFeatures | gpu.FeatureAccelerationStructure | gpu.FeatureRayTracingPipeline | gpu.FeatureBufferDeviceAddress
)

func TestSelectRanking(t *testing.T) {
	cases := []struct {
		name     string
		adapters []*gputest.Adapter
		want     string
	}{
		{
			name: "discrete beats integrated",
			adapters: []*gputest.Adapter{
				gputest.NewAdapter("igpu", gpu.DeviceTypeIntegrated, allFeatures),
				gputest.NewAdapter("dgpu", gpu.DeviceTypeDiscrete, allFeatures),
			},
			want: "dgpu",
		},
		{
			name: "integrated beats cpu",
			adapters: []*gputest.Adapter{
				gputest.NewAdapter("llvmpipe", gpu.DeviceTypeCPU, allFeatures),
				gputest.NewAdapter("igpu", gpu.DeviceTypeIntegrated, allFeatures),
			},
			want: "igpu",
		},
		{
			name: "ties go to enumeration order",
			adapters: []*gputest.Adapter{
				gputest.NewAdapter("first", gpu.DeviceTypeDiscrete, allFeatures),
				gputest.NewAdapter("second", gpu.DeviceTypeDiscrete, allFeatures),
			},
			want: "first",
		},
		{
			name: "virtual and other share a rank",
			adapters: []*gputest.Adapter{
				gputest.NewAdapter("virtual", gpu.DeviceTypeVirtual, allFeatures),
				gputest.NewAdapter("other", gpu.DeviceTypeOther, allFeatures),
			},
			want: "virtual",
		},
		{
			name: "missing features are filtered before ranking",
			adapters: []*gputest.Adapter{
				gputest.NewAdapter("dgpu", gpu.DeviceTypeDiscrete, computeFeatures),
				gputest.NewAdapter("igpu", gpu.DeviceTypeIntegrated, allFeatures),
			},
			want: "igpu",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			instance := gputest.NewInstance(tc.adapters...)
			selection, err := Select(instance, gputest.NewSurface(800, 600), RequirementsFor(true), nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, selection.Adapter.Name())
		})
	}
}

func TestSelectQueueFamily(t *testing.T) {
	adapter := gputest.NewAdapter("dgpu", gpu.DeviceTypeDiscrete, computeFeatures)
	adapter.Families = []gpu.QueueFamily{
		{Index: 0, Flags: gpu.QueueCompute | gpu.QueueTransfer, QueueCount: 2},
		{Index: 1, Flags: gpu.QueueGraphics | gpu.QueueCompute, QueueCount: 1},
		{Index: 2, Flags: gpu.QueueGraphics | gpu.QueueCompute | gpu.QueueTransfer, QueueCount: 1},
	}
	adapter.PresentFamilies = []int{0, 2}

	selection, err := Select(gputest.NewInstance(adapter), gputest.NewSurface(800, 600), RequirementsFor(false), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, selection.QueueFamily)
}

func TestSelectNoSuitableDevice(t *testing.T) {
	noPresent := gputest.NewAdapter("headless", gpu.DeviceTypeDiscrete, allFeatures)
	noPresent.PresentFamilies = []int{}
	noRT := gputest.NewAdapter("old", gpu.DeviceTypeDiscrete, computeFeatures)

	_, err := Select(gputest.NewInstance(noPresent, noRT), gputest.NewSurface(800, 600), RequirementsFor(true), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoSuitableDevice))
	assert.NotEmpty(t, errors.GetAllHints(err))

	_, err = Select(gputest.NewInstance(), gputest.NewSurface(800, 600), RequirementsFor(false), nil)
	assert.True(t, errors.Is(err, ErrNoSuitableDevice))
}

func TestSelectSkipsFailingPresentQuery(t *testing.T) {
	broken := gputest.NewAdapter("broken", gpu.DeviceTypeDiscrete, allFeatures)
	broken.PresentErr = errors.New("surface lost")
	working := gputest.NewAdapter("igpu", gpu.DeviceTypeIntegrated, allFeatures)

	selection, err := Select(gputest.NewInstance(broken, working), gputest.NewSurface(800, 600), RequirementsFor(true), nil)
	require.NoError(t, err)
	assert.Equal(t, "igpu", selection.Adapter.Name())

	_, err = Select(gputest.NewInstance(broken), gputest.NewSurface(800, 600), RequirementsFor(true), nil)
	assert.True(t, errors.Is(err, ErrNoSuitableDevice))
}

func TestCreateContext(t *testing.T) {
	instance := gputest.NewInstance(gputest.NewAdapter("dgpu", gpu.DeviceTypeDiscrete, allFeatures))
	ctx, err := Create(instance, gputest.NewSurface(800, 600), RequirementsFor(true), nil)
	require.NoError(t, err)

	assert.Equal(t, 0, ctx.Queue.Family())
	_, err = ctx.RayTracing()
	assert.NoError(t, err)

	ctx.Destroy()
	dev := instance.Devices()[0]
	assert.True(t, dev.Destroyed)
	assert.Equal(t, 1, dev.WaitIdleCalls)
	assert.Empty(t, dev.Violations)
}

func TestContextWithoutRayTracing(t *testing.T) {
	instance := gputest.NewInstance(gputest.NewAdapter("dgpu", gpu.DeviceTypeDiscrete, allFeatures))
	ctx, err := Create(instance, gputest.NewSurface(800, 600), RequirementsFor(false), nil)
	require.NoError(t, err)

	_, err = ctx.RayTracing()
	assert.True(t, errors.Is(err, gpu.ErrUnsupported))
}

func TestDestroyLogsIdleFailure(t *testing.T) {
	instance := gputest.NewInstance(gputest.NewAdapter("dgpu", gpu.DeviceTypeDiscrete, computeFeatures))
	ctx, err := Create(instance, gputest.NewSurface(800, 600), RequirementsFor(false), nil)
	require.NoError(t, err)

	dev := instance.Devices()[0]
	dev.WaitIdleErr = errors.New("device lost")
	ctx.Destroy()
	assert.True(t, dev.Destroyed)
}
