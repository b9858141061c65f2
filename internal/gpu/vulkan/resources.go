package vulkan

import (
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_buffer_device_address"

	"github.com/vkngwrapper/raytracer/internal/gpu"
)

var colorSubresource = core1_0.ImageSubresourceRange{
	AspectMask:     core1_0.ImageAspectColor,
	BaseMipLevel:   0,
	LevelCount:     1,
	BaseArrayLayer: 0,
	LayerCount:     1,
}

type Image struct {
	device *Device
	image  core1_0.Image
	memory core1_0.DeviceMemory
	view   *ImageView
	extent gpu.Extent2D
	format gpu.Format
	// owned is false for swapchain images, which go away with their swapchain.
	owned bool
}

type ImageView struct {
	view   core1_0.ImageView
	image  *Image
	extent gpu.Extent2D
	format gpu.Format
}

func (d *Device) CreateImage(desc gpu.ImageDesc) (gpu.Image, error) {
	if desc.Extent.Empty() {
		return nil, errors.Newf("image extent %s has no area", desc.Extent)
	}
	format := toFormat(desc.Format)
	if format == core1_0.FormatUndefined {
		return nil, errors.Newf("unsupported image format %s", desc.Format)
	}

	image, _, err := d.driver.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Extent: core1_0.Extent3D{
			Width:  desc.Extent.Width,
			Height: desc.Extent.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        format,
		Tiling:        core1_0.ImageTilingOptimal,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         toImageUsage(desc.Usage),
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create %s image", desc.Extent)
	}

	memReqs := d.driver.GetImageMemoryRequirements(image)
	memoryIndex, err := d.findMemoryType(memReqs.MemoryTypeBits, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		d.driver.DestroyImage(image, nil)
		return nil, err
	}
	memory, _, err := d.driver.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memoryIndex,
	})
	if err != nil {
		d.driver.DestroyImage(image, nil)
		return nil, errors.Wrap(err, "allocate image memory")
	}
	if _, err := d.driver.BindImageMemory(image, memory, 0); err != nil {
		d.driver.DestroyImage(image, nil)
		d.driver.FreeMemory(memory, nil)
		return nil, errors.Wrap(err, "bind image memory")
	}

	img := &Image{device: d, image: image, memory: memory, extent: desc.Extent, format: desc.Format, owned: true}
	if err := img.createView(); err != nil {
		img.Destroy()
		return nil, err
	}
	return img, nil
}

func (i *Image) createView() error {
	view, _, err := i.device.driver.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:            i.image,
		ViewType:         core1_0.ImageViewType2D,
		Format:           toFormat(i.format),
		SubresourceRange: colorSubresource,
	})
	if err != nil {
		return errors.Wrap(err, "create image view")
	}
	i.view = &ImageView{view: view, image: i, extent: i.extent, format: i.format}
	return nil
}

func (i *Image) Extent() gpu.Extent2D { return i.extent }
func (i *Image) Format() gpu.Format   { return i.format }
func (i *Image) View() gpu.ImageView  { return i.view }

func (i *Image) Destroy() {
	if i.view != nil {
		i.device.driver.DestroyImageView(i.view.view, nil)
		i.view = nil
	}
	if !i.owned {
		return
	}
	i.device.driver.DestroyImage(i.image, nil)
	if i.memory.Initialized() {
		i.device.driver.FreeMemory(i.memory, nil)
	}
}

func (v *ImageView) Extent() gpu.Extent2D { return v.extent }
func (v *ImageView) Format() gpu.Format   { return v.format }

type Buffer struct {
	device      *Device
	buffer      core1_0.Buffer
	memory      core1_0.DeviceMemory
	size        int
	address     uint64
	hostVisible bool
}

func (d *Device) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, error) {
	if desc.Size <= 0 {
		return nil, errors.Newf("buffer size %d", desc.Size)
	}
	deviceAddress := desc.Usage&gpu.BufferUsageDeviceAddress != 0
	if deviceAddress && d.bufferAddress == nil {
		return nil, errors.Wrap(gpu.ErrUnsupported, "buffer device address")
	}

	buffer, _, err := d.driver.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        desc.Size,
		Usage:       toBufferUsage(desc.Usage),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create %d byte buffer", desc.Size)
	}

	properties := core1_0.MemoryPropertyDeviceLocal
	if desc.HostVisible {
		properties = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	}
	memReqs := d.driver.GetBufferMemoryRequirements(buffer)
	memoryIndex, err := d.findMemoryType(memReqs.MemoryTypeBits, properties)
	if err != nil {
		d.driver.DestroyBuffer(buffer, nil)
		return nil, err
	}

	allocation := core1_0.MemoryAllocateInfo{
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memoryIndex,
	}
	if deviceAddress {
		allocation.Next = deviceAddressAllocation{}
	}
	memory, _, err := d.driver.AllocateMemory(nil, allocation)
	if err != nil {
		d.driver.DestroyBuffer(buffer, nil)
		return nil, errors.Wrap(err, "allocate buffer memory")
	}
	if _, err := d.driver.BindBufferMemory(buffer, memory, 0); err != nil {
		d.driver.DestroyBuffer(buffer, nil)
		d.driver.FreeMemory(memory, nil)
		return nil, errors.Wrap(err, "bind buffer memory")
	}

	b := &Buffer{device: d, buffer: buffer, memory: memory, size: desc.Size, hostVisible: desc.HostVisible}
	if deviceAddress {
		b.address, err = d.bufferAddress.GetBufferDeviceAddress(khr_buffer_device_address.BufferDeviceAddressInfo{Buffer: buffer})
		if err != nil {
			b.Destroy()
			return nil, errors.Wrap(err, "query buffer device address")
		}
	}
	return b, nil
}

func (b *Buffer) Size() int             { return b.size }
func (b *Buffer) DeviceAddress() uint64 { return b.address }

func (b *Buffer) Write(offset int, data []byte) error {
	if !b.hostVisible {
		return errors.New("buffer is not host visible")
	}
	if offset < 0 || offset+len(data) > b.size {
		return errors.Newf("write [%d, %d) outside %d byte buffer", offset, offset+len(data), b.size)
	}
	if len(data) == 0 {
		return nil
	}

	memoryPtr, _, err := b.device.driver.MapMemory(b.memory, offset, len(data), 0)
	if err != nil {
		return errors.Wrap(err, "map buffer memory")
	}
	defer b.device.driver.UnmapMemory(b.memory)

	copy(unsafe.Slice((*byte)(memoryPtr), len(data)), data)
	return nil
}

func (b *Buffer) Destroy() {
	b.device.driver.DestroyBuffer(b.buffer, nil)
	b.device.driver.FreeMemory(b.memory, nil)
}

type Sampler struct {
	device  *Device
	sampler core1_0.Sampler
}

// CreateSampler returns a linear, edge-clamped sampler.
func (d *Device) CreateSampler() (gpu.Sampler, error) {
	sampler, _, err := d.driver.CreateSampler(nil, core1_0.SamplerCreateInfo{
		MagFilter:    core1_0.FilterLinear,
		MinFilter:    core1_0.FilterLinear,
		AddressModeU: core1_0.SamplerAddressModeClampToEdge,
		AddressModeV: core1_0.SamplerAddressModeClampToEdge,
		AddressModeW: core1_0.SamplerAddressModeClampToEdge,
		BorderColor:  core1_0.BorderColorFloatOpaqueBlack,
		MipmapMode:   core1_0.SamplerMipmapModeLinear,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create sampler")
	}
	return &Sampler{device: d, sampler: sampler}, nil
}

func (s *Sampler) Destroy() {
	s.device.driver.DestroySampler(s.sampler, nil)
}

type ShaderModule struct {
	device *Device
	module core1_0.ShaderModule
}

func (d *Device) CreateShaderModule(code []uint32) (gpu.ShaderModule, error) {
	if len(code) == 0 {
		return nil, errors.New("empty shader code")
	}
	module, _, err := d.driver.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{
		Code: code,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create shader module")
	}
	return &ShaderModule{device: d, module: module}, nil
}

func (m *ShaderModule) Destroy() {
	m.device.driver.DestroyShaderModule(m.module, nil)
}

type Semaphore struct {
	device    *Device
	semaphore core1_0.Semaphore
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	semaphore, _, err := d.driver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return nil, errors.Wrap(err, "create semaphore")
	}
	return &Semaphore{device: d, semaphore: semaphore}, nil
}

func (s *Semaphore) Destroy() {
	s.device.driver.DestroySemaphore(s.semaphore, nil)
}

type Fence struct {
	device *Device
	fence  core1_0.Fence
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	info := core1_0.FenceCreateInfo{}
	if signaled {
		info.Flags = core1_0.FenceCreateSignaled
	}
	fence, _, err := d.driver.CreateFence(nil, info)
	if err != nil {
		return nil, errors.Wrap(err, "create fence")
	}
	return &Fence{device: d, fence: fence}, nil
}

func (f *Fence) Wait(timeout time.Duration) error {
	res, err := f.device.driver.WaitForFences(true, toTimeout(timeout), f.fence)
	if res == core1_0.VKTimeout {
		return gpu.ErrTimeout
	}
	return errors.Wrap(err, "wait for fence")
}

func (f *Fence) Reset() error {
	_, err := f.device.driver.ResetFences(f.fence)
	return errors.Wrap(err, "reset fence")
}

// Signaled polls the fence without blocking.
func (f *Fence) Signaled() (bool, error) {
	res, err := f.device.driver.WaitForFences(true, 0, f.fence)
	if res == core1_0.VKTimeout {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "poll fence")
	}
	return true, nil
}

func (f *Fence) Destroy() {
	f.device.driver.DestroyFence(f.fence, nil)
}
