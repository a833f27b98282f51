package types

import (
	"io"
	"net"
	"sync"
	"time"
)

// Transport identifies how a source client is connected to the hub.
type Transport string

const (
	TransportNetwork Transport = "network"
	TransportUSB     Transport = "usb"
)

// ClientRecord client information tracked by the registry.
// Conn is the control handle (TLS socket for network clients, serial
// port for USB clients). ConnMu serializes writes to it: the accept
// handler, the relay and the command processor all push through the
// same handle.
type ClientRecord struct {
	ID        string
	Name      string
	Transport Transport
	IP        string
	VideoPort int
	Conn      io.ReadWriteCloser
	ConnMu    *sync.Mutex
	LastSeen  time.Time

	// videoMu guards the video handle: the video handler goroutine sets
	// and clears it while removal and shutdown paths read it.
	videoMu   sync.Mutex
	videoConn net.Conn
}

// Write sends raw bytes on the control handle under the write mutex.
func (c *ClientRecord) Write(data []byte) error {
	c.ConnMu.Lock()
	defer c.ConnMu.Unlock()
	_, err := c.Conn.Write(data)
	return err
}

// SetVideoConn associates the video leg with this record.
func (c *ClientRecord) SetVideoConn(conn net.Conn) {
	c.videoMu.Lock()
	c.videoConn = conn
	c.videoMu.Unlock()
}

// ClearVideoConn drops the handle only if it is still conn, so a
// handler exiting late cannot clear a successor's association.
func (c *ClientRecord) ClearVideoConn(conn net.Conn) {
	c.videoMu.Lock()
	if c.videoConn == conn {
		c.videoConn = nil
	}
	c.videoMu.Unlock()
}

// VideoConn returns the current video handle, or nil.
func (c *ClientRecord) VideoConn() net.Conn {
	c.videoMu.Lock()
	defer c.videoMu.Unlock()
	return c.videoConn
}
