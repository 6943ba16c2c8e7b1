package kernel

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Control call numbers for the autofs pseudo filesystem, 64-bit layout.
const (
	ioctlReady       = 0x9360
	ioctlFail        = 0x9361
	ioctlCatatonic   = 0x9362
	ioctlProtoVer    = 0x80049363
	ioctlSetTimeout  = 0xC0089364
	ioctlExpire      = 0x810C9365
	ioctlExpireMulti = 0x40049366
	ioctlProtoSubVer = 0x80049367
	ioctlAskUmount   = 0x80049370
)

// Expire flags passed to the batch expire call.
const (
	ExpireImmediate = 1
	ExpireLeaves    = 2
)

// Protocol range offered at mount time.
const (
	MinProto = 2
	MaxProto = 4
)

func ioctlSetTimeoutCall(fd int, seconds uint64) (uint64, error) {
	arg := seconds
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlSetTimeout, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return 0, errno
	}
	return arg, nil
}

func ioctlExpireCall(fd int) ([]byte, error) {
	buf := make([]byte, expirePacketSize)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlExpire, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return nil, errno
	}
	return buf, nil
}
