//go:build linux || darwin

package runloop

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

func closeFD(fd int) error {
	return unix.Close(fd)
}

// signalWakeUp makes the wake fd readable. An eventfd requires an 8 byte
// write; a pipe accepts any.
func (p *IOPump) signalWakeUp() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakeWrite, buf[:])
	return err
}

// drainWakeFd reads the wake fd until it would block.
func (p *IOPump) drainWakeFd() {
	var buf [64]byte
	for {
		if _, err := unix.Read(p.wakeRead, buf[:]); err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
	}
}
