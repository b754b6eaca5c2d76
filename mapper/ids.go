package mapper

import (
	"hash/crc32"
	"sync/atomic"
)

// ID is the 64-bit opaque identifier shared by devices, signals, maps
// and instances (spec §3 "Id").
type ID uint64

// DeviceIDFromName mints the high 32 bits of every id a device issues:
// crc32(name) << 32. Signals and maps mix in a per-device counter in
// the low 32 bits so that ids minted by different devices never
// collide without any coordination between them.
func DeviceIDFromName(name string) ID {
	return ID(crc32.ChecksumIEEE([]byte(name))) << 32
}

// Counter is a per-device monotonically increasing low-32-bits
// generator, used to mint signal ids, map ids and instance global ids
// (spec §3, §4.3 "device_generate_unique_id").
type Counter struct {
	base ID
	next uint32
}

// NewCounter seeds a Counter from a device's high-32-bit id prefix.
func NewCounter(devID ID) *Counter {
	return &Counter{base: devID & 0xffffffff00000000}
}

// Next mints the next unique id under this device's namespace.
func (c *Counter) Next() ID {
	n := atomic.AddUint32(&c.next, 1)
	return c.base | ID(n)
}
