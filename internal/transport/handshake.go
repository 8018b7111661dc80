package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/rqxfer/rqxfer/internal/logger"
	"github.com/rqxfer/rqxfer/internal/wire"
)

// HandshakeMaxRetries and HandshakeRetryTimeout resolve spec.md §4.9's
// open question (the original source never retried). Chosen to mirror
// the teacher's own handshake retry posture: a small fixed retry count
// over a roughly one-second cadence (see DESIGN.md's Open Question
// decisions).
const (
	HandshakeMaxRetries   = 5
	HandshakeRetryTimeout = time.Second
)

// SenderHandshake sends a HandshakeReq and retries on timeout until
// HandshakeMaxRetries is exhausted or a matching HandshakeResp arrives.
func SenderHandshake(sock Socket, log *logger.Logger, req wire.HandshakeReqMsg, recvTimeout func(time.Duration) ([]byte, error)) error {
	msg := req.Marshal()
	for attempt := 0; attempt <= HandshakeMaxRetries; attempt++ {
		if _, err := sock.SendBytes(msg); err != nil {
			return fmt.Errorf("transport: handshake send: %w", err)
		}
		buf, err := recvTimeout(HandshakeRetryTimeout)
		if err != nil {
			log.Debugf("handshake attempt %d/%d timed out: %v", attempt+1, HandshakeMaxRetries+1, err)
			continue
		}
		op, err := wire.PeekOpcode(buf)
		if err != nil || op != wire.HandshakeResp {
			log.Debugf("handshake attempt %d/%d: unexpected reply", attempt+1, HandshakeMaxRetries+1)
			continue
		}
		resp, err := wire.UnmarshalHandshakeResp(buf)
		if err != nil {
			continue
		}
		if resp.ConnectionID != req.ConnectionID {
			log.Debugf("handshake reply echoed wrong connection id %d, want %d", resp.ConnectionID, req.ConnectionID)
			continue
		}
		return nil
	}
	return fmt.Errorf("transport: handshake failed after %d attempts", HandshakeMaxRetries+1)
}

// ReceiverHandshake waits for exactly one inbound datagram and accepts it
// only if it is a valid HandshakeReq. It is one-shot by design (spec.md
// §4.9): any other first message closes the connection rather than
// waiting for a better one.
func ReceiverHandshake(sock Socket, buf []byte) (wire.HandshakeReqMsg, net.Addr, error) {
	n, addr, err := sock.RecvDatagram(buf)
	if err != nil {
		return wire.HandshakeReqMsg{}, nil, fmt.Errorf("transport: receiver handshake recv: %w", err)
	}
	op, err := wire.PeekOpcode(buf[:n])
	if err != nil || op != wire.HandshakeReq {
		return wire.HandshakeReqMsg{}, nil, fmt.Errorf("transport: first datagram from %v was not a HandshakeReq", addr)
	}
	req, err := wire.UnmarshalHandshakeReq(buf[:n])
	if err != nil {
		return wire.HandshakeReqMsg{}, nil, fmt.Errorf("transport: malformed HandshakeReq: %w", err)
	}
	return req, addr, nil
}
