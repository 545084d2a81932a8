package vmx

import "vmxhal-go/errcode"

// Vendor status codes, surfaced unchanged through the HAL.
const (
	ErrNoUnallocatedCompatibleResources errcode.Code = "vmx_no_unallocated_compatible_resources"
	ErrIOBoardComm                      errcode.Code = "vmx_io_board_comm_error"
	ErrInvalidResourceHandle            errcode.Code = "vmx_invalid_resource_handle"
	ErrResourceNotActive                errcode.Code = "vmx_resource_not_active"
	ErrChannelNotRouted                 errcode.Code = "vmx_channel_not_routed"
	ErrPortInUse                        errcode.Code = "vmx_port_in_use"
	ErrIncompatibleResource             errcode.Code = "vmx_incompatible_resource"
	ErrInvalidChannel                   errcode.Code = "vmx_invalid_channel"
	ErrInvalidParameter                 errcode.Code = "vmx_invalid_parameter"
)

// IsCommError reports whether err is (or wraps) a board communication failure.
func IsCommError(err error) bool { return errcode.Of(err) == ErrIOBoardComm }
