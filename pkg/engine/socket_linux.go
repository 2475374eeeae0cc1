//go:build linux

package engine

import (
	"net"

	"golang.org/x/sys/unix"
)

// setReceiveBuffer запрашивает у ядра приемный буфер size байт.
// Сначала SO_RCVBUFFORCE (нужен CAP_NET_ADMIN), затем обычный SO_RCVBUF,
// который ядро ограничит net.core.rmem_max.
func setReceiveBuffer(conn *net.UDPConn, size int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		if unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, size) == nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	})
	if err != nil {
		return err
	}
	return sockErr
}
