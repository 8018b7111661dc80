package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rqxfer/rqxfer/internal/logger"
	"github.com/rqxfer/rqxfer/internal/wire"
)

// mockSocket is a minimal in-memory Socket double for exercising the
// handshake logic without opening real UDP sockets.
type mockSocket struct {
	sent      [][]byte
	recvQueue [][]byte
	peer      net.Addr
}

func (m *mockSocket) Fd() (int, error)                 { return -1, errors.New("mockSocket: Fd unsupported") }
func (m *mockSocket) LocalAddr() net.Addr              { return &net.UDPAddr{IP: net.IPv4zero, Port: 0} }
func (m *mockSocket) SetReadDeadline(time.Time) error  { return nil }
func (m *mockSocket) SetPeer(addr net.Addr)            { m.peer = addr }
func (m *mockSocket) Close() error                     { return nil }

func (m *mockSocket) SendBytes(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	m.sent = append(m.sent, cp)
	return len(b), nil
}

func (m *mockSocket) RecvDatagram(b []byte) (int, net.Addr, error) {
	if len(m.recvQueue) == 0 {
		return 0, nil, errors.New("mockSocket: no queued datagram")
	}
	next := m.recvQueue[0]
	m.recvQueue = m.recvQueue[1:]
	n := copy(b, next)
	return n, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}, nil
}

func TestSenderHandshakeSucceedsFirstTry(t *testing.T) {
	sock := &mockSocket{}
	req := wire.HandshakeReqMsg{ConnectionID: 42, FileName: "f", FileSize: 10}
	resp := wire.HandshakeRespMsg{ConnectionID: 42}.Marshal()

	recvTimeout := func(time.Duration) ([]byte, error) { return resp, nil }
	log := logger.New(logger.LevelSilent, "")

	if err := SenderHandshake(sock, log, req, recvTimeout); err != nil {
		t.Fatalf("SenderHandshake: %v", err)
	}
	if len(sock.sent) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(sock.sent))
	}
}

func TestSenderHandshakeRetriesThenSucceeds(t *testing.T) {
	sock := &mockSocket{}
	req := wire.HandshakeReqMsg{ConnectionID: 7}
	resp := wire.HandshakeRespMsg{ConnectionID: 7}.Marshal()

	attempts := 0
	recvTimeout := func(time.Duration) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("timeout")
		}
		return resp, nil
	}
	log := logger.New(logger.LevelSilent, "")

	if err := SenderHandshake(sock, log, req, recvTimeout); err != nil {
		t.Fatalf("SenderHandshake: %v", err)
	}
	if len(sock.sent) != 3 {
		t.Fatalf("sent %d datagrams, want 3", len(sock.sent))
	}
}

func TestSenderHandshakeRejectsWrongConnectionID(t *testing.T) {
	sock := &mockSocket{}
	req := wire.HandshakeReqMsg{ConnectionID: 1}
	resp := wire.HandshakeRespMsg{ConnectionID: 999}.Marshal()

	recvTimeout := func(time.Duration) ([]byte, error) { return resp, nil }
	log := logger.New(logger.LevelSilent, "")

	if err := SenderHandshake(sock, log, req, recvTimeout); err == nil {
		t.Fatal("SenderHandshake succeeded with mismatched connection id, want error")
	}
	if len(sock.sent) != HandshakeMaxRetries+1 {
		t.Fatalf("sent %d datagrams, want %d", len(sock.sent), HandshakeMaxRetries+1)
	}
}

func TestSenderHandshakeFailsAfterMaxRetries(t *testing.T) {
	sock := &mockSocket{}
	req := wire.HandshakeReqMsg{ConnectionID: 1}

	recvTimeout := func(time.Duration) ([]byte, error) { return nil, errors.New("timeout") }
	log := logger.New(logger.LevelSilent, "")

	if err := SenderHandshake(sock, log, req, recvTimeout); err == nil {
		t.Fatal("SenderHandshake succeeded despite every attempt timing out, want error")
	}
	if len(sock.sent) != HandshakeMaxRetries+1 {
		t.Fatalf("sent %d datagrams, want %d", len(sock.sent), HandshakeMaxRetries+1)
	}
}

func TestReceiverHandshakeAcceptsValidRequest(t *testing.T) {
	req := wire.HandshakeReqMsg{ConnectionID: 55, FileName: "payload.bin", FileSize: 1024}
	sock := &mockSocket{recvQueue: [][]byte{req.Marshal()}}

	buf := make([]byte, wire.HandshakeReqSize)
	got, addr, err := ReceiverHandshake(sock, buf)
	if err != nil {
		t.Fatalf("ReceiverHandshake: %v", err)
	}
	if got.ConnectionID != req.ConnectionID || got.FileName != req.FileName || got.FileSize != req.FileSize {
		t.Fatalf("ReceiverHandshake returned %+v, want %+v", got, req)
	}
	if addr == nil {
		t.Fatal("ReceiverHandshake returned nil addr")
	}
}

func TestReceiverHandshakeRejectsWrongOpcode(t *testing.T) {
	ack := wire.AckMsg{RepairInterval: 1}.Marshal()
	sock := &mockSocket{recvQueue: [][]byte{ack}}

	buf := make([]byte, wire.HandshakeReqSize)
	if _, _, err := ReceiverHandshake(sock, buf); err == nil {
		t.Fatal("ReceiverHandshake accepted a non-HandshakeReq first datagram, want error")
	}
}
