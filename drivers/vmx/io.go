package vmx

// IO is the slice of the vendor I/O subsystem the HAL shim drives.
// Implementations must be safe for use from one goroutine at a time;
// callers serialise access.
type IO interface {
	ChannelCapabilities(ch ChannelIndex) (ChannelType, ChannelCapability, error)

	// ActivateSingleChannelResource allocates an unallocated resource compatible
	// with the channel, configures it, routes the channel to it and activates it.
	ActivateSingleChannelResource(info ChannelInfo, cfg ResourceConfig) (ResourceHandle, error)

	// ResourceWithAvailablePort finds a resource of type rt that the channel can
	// reach through ability and that still has that port free. allocated reports
	// whether the returned resource is already allocated (and therefore configured).
	ResourceWithAvailablePort(rt ResourceType, ch ChannelIndex, ability ChannelCapability) (res ResourceHandle, allocated bool, err error)

	RouteChannelToResource(ch ChannelIndex, res ResourceHandle) error
	UnrouteChannelFromResource(ch ChannelIndex, res ResourceHandle) error

	IsResourceActive(res ResourceHandle) (bool, error)
	IsResourceAllocated(res ResourceHandle) (allocated, shared bool, err error)
	NumChannelsRouted(res ResourceHandle) (uint8, error)

	DeactivateResource(res ResourceHandle) error
	// DeallocateResource unroutes every channel, deactivates and frees the resource.
	DeallocateResource(res ResourceHandle) error

	PWMGeneratorSetDutyCycle(res ResourceHandle, port PortIndex, duty uint16) error
	PWMGeneratorDutyCycle(res ResourceHandle, port PortIndex) (uint16, error)
}
