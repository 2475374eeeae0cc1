//go:build !linux

package engine

import "net"

// setReceiveBuffer на остальных платформах через стандартный SetReadBuffer
func setReceiveBuffer(conn *net.UDPConn, size int) error {
	return conn.SetReadBuffer(size)
}
