// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package mux

import (
	"net"
	"time"

	"github.com/pion/transport/v4/packetio"
)

// Endpoint implements net.Conn and net.PacketConn. It is used to read muxed
// packets.
type Endpoint struct {
	mux     *Mux
	buffer  *packetio.Buffer
	onClose func()
}

// Close unregisters the endpoint from the Mux
func (e *Endpoint) Close() (err error) {
	if e.onClose != nil {
		e.onClose()
	}

	if err = e.close(); err != nil {
		return err
	}

	e.mux.RemoveEndpoint(e)
	return nil
}

func (e *Endpoint) close() error {
	return e.buffer.Close()
}

// Read reads a packet of len(p) bytes from the underlying conn
// that are matched by the associated MuxFunc
func (e *Endpoint) Read(p []byte) (int, error) {
	return e.buffer.Read(p)
}

// ReadFrom reads a packet, reporting the peer address of the muxed conn.
func (e *Endpoint) ReadFrom(p []byte) (int, net.Addr, error) {
	n, err := e.buffer.Read(p)
	return n, e.mux.nextConn.RemoteAddr(), err
}

// Write writes len(p) bytes to the underlying conn
func (e *Endpoint) Write(p []byte) (int, error) {
	return e.mux.nextConn.Write(p)
}

// WriteTo writes len(p) bytes to the underlying conn; the addr is ignored
// since the muxed conn is connected.
func (e *Endpoint) WriteTo(p []byte, _ net.Addr) (int, error) {
	return e.mux.nextConn.Write(p)
}

// LocalAddr returns the address of the underlying conn.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.mux.nextConn.LocalAddr()
}

// RemoteAddr returns the peer address of the underlying conn.
func (e *Endpoint) RemoteAddr() net.Addr {
	return e.mux.nextConn.RemoteAddr()
}

// SetDeadline is a stub
func (e *Endpoint) SetDeadline(time.Time) error {
	return nil
}

// SetReadDeadline is a stub
func (e *Endpoint) SetReadDeadline(time.Time) error {
	return nil
}

// SetWriteDeadline is a stub
func (e *Endpoint) SetWriteDeadline(time.Time) error {
	return nil
}

// SetOnClose is a user set callback that
// will be executed when `Close` is called
func (e *Endpoint) SetOnClose(onClose func()) {
	e.onClose = onClose
}
