// Package transport implements the sender and receiver control loops: the
// symbol scheduler, the ACK/feedback loop, the handshake, and the
// concurrent receiver pipeline that separates packet ingestion from
// RaptorQ decoding.
package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Socket is the capability set spec.md §9 calls for in place of the
// original's Socket→UDP/TCP/DCCP inheritance hierarchy: bind, connect,
// send, receive, and expose a pollable fd. Only a UDP-with-framing variant
// is implemented (DCCP isn't reachable without root/kernel module
// support), but nothing above this interface assumes UDP.
type Socket interface {
	Fd() (int, error)
	SendBytes(b []byte) (int, error)
	RecvDatagram(b []byte) (int, net.Addr, error)
	LocalAddr() net.Addr
	SetReadDeadline(t time.Time) error
	// SetPeer fixes the destination SendBytes writes to. A socket opened
	// with Connect already has an implicit peer; a socket opened with
	// Bind has none until the receiver's handshake learns the sender's
	// address from the first inbound datagram.
	SetPeer(addr net.Addr)
	Close() error
}

// udpSocket wraps a net.UDPConn plus the per-IP-version packet-control
// readers the teacher's conn.go splits receive routines across
// (RoutineReceiveIncoming(ipv4.Version, ...) / (ipv6.Version, ...)):
// whichever of v4/v6 matches the conn's local address family is used to
// read, giving access to per-packet control data UDPConn.ReadFrom alone
// doesn't expose.
type udpSocket struct {
	conn *net.UDPConn
	v4   *ipv4.PacketConn
	v6   *ipv6.PacketConn
	isV6 bool
	peer *net.UDPAddr
}

func wrapUDP(conn *net.UDPConn) *udpSocket {
	s := &udpSocket{conn: conn}
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() == nil {
		s.isV6 = true
		s.v6 = ipv6.NewPacketConn(conn)
	} else {
		s.v4 = ipv4.NewPacketConn(conn)
	}
	return s
}

// Connect opens a socket whose implicit destination is host:port — the
// sender's half of the capability set.
func Connect(host string, port int) (Socket, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s:%d: %w", host, port, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s:%d: %w", host, port, err)
	}
	return wrapUDP(conn), nil
}

// Bind opens a socket listening on port (0 for an OS-chosen port) — the
// receiver's half of the capability set.
func Bind(port int) (Socket, error) {
	laddr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind port %d: %w", port, err)
	}
	return wrapUDP(conn), nil
}

func (s *udpSocket) Fd() (int, error) {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("transport: SyscallConn: %w", err)
	}
	var fd int
	var ctrlErr error
	if err := raw.Control(func(rawfd uintptr) { fd = int(rawfd) }); err != nil {
		return -1, fmt.Errorf("transport: Control: %w", err)
	}
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}

func (s *udpSocket) SendBytes(b []byte) (int, error) {
	var n int
	var err error
	if s.peer != nil {
		n, err = s.conn.WriteToUDP(b, s.peer)
	} else {
		n, err = s.conn.Write(b)
	}
	if err != nil {
		return n, fmt.Errorf("transport: send: %w", err)
	}
	return n, nil
}

func (s *udpSocket) SetPeer(addr net.Addr) {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		s.peer = udpAddr
	}
}

func (s *udpSocket) RecvDatagram(b []byte) (int, net.Addr, error) {
	var (
		n    int
		addr net.Addr
		err  error
	)
	if s.isV6 {
		n, _, addr, err = s.v6.ReadFrom(b)
	} else {
		n, _, addr, err = s.v4.ReadFrom(b)
	}
	if err != nil {
		return n, addr, fmt.Errorf("transport: recv: %w", err)
	}
	return n, addr, nil
}

func (s *udpSocket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *udpSocket) SetReadDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return fmt.Errorf("transport: set read deadline: %w", err)
	}
	return nil
}

func (s *udpSocket) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}
