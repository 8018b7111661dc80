// Package rwcancel multiplexes readiness on a single socket file
// descriptor, with a self-pipe so a blocked Wait can be cancelled from
// another goroutine. The underlying poll() split between poll_linux.go
// (Ppoll) and poll_unix.go (Poll) is kept from the teacher lineage
// unchanged; this file replaces the teacher's select()-based RWCancel,
// whose defining file was never part of the retrieved reference material
// (only its fdSet helper and platform poll() shims were), with a
// poll()-only Poller shaped for this protocol's actual use: waiting for
// read and/or write readiness on one datagram socket.
package rwcancel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Poller waits for POLLIN/POLLOUT readiness on fd, and can be woken early
// by Cancel from any goroutine.
type Poller struct {
	fd      int
	cancelR int
	cancelW int
}

// NewPoller wraps fd (already non-blocking) with a self-pipe for
// cancellation.
func NewPoller(fd int) (*Poller, error) {
	fds, err := unixPipe2()
	if err != nil {
		return nil, fmt.Errorf("rwcancel: create cancel pipe: %w", err)
	}
	return &Poller{fd: fd, cancelR: fds[0], cancelW: fds[1]}, nil
}

func unixPipe2() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return fds, err
	}
	return fds, nil
}

// Wait blocks until fd is ready for the requested events, Cancel is
// called, or timeoutMs elapses (negative means no timeout). readable and
// writable report which of the requested events fired; cancelled reports
// whether Cancel woke the call.
func (p *Poller) Wait(wantRead, wantWrite bool, timeoutMs int) (readable, writable, cancelled bool, err error) {
	var events int16
	if wantRead {
		events |= unix.POLLIN
	}
	if wantWrite {
		events |= unix.POLLOUT
	}
	fds := []unix.PollFd{
		{Fd: int32(p.fd), Events: events},
		{Fd: int32(p.cancelR), Events: unix.POLLIN},
	}
	n, err := poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return false, false, false, nil
		}
		return false, false, false, fmt.Errorf("rwcancel: poll: %w", err)
	}
	if n == 0 {
		return false, false, false, nil
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		var buf [64]byte
		for {
			if _, err := unix.Read(p.cancelR, buf[:]); err != nil {
				break
			}
		}
		cancelled = true
	}
	readable = fds[0].Revents&unix.POLLIN != 0
	writable = fds[0].Revents&unix.POLLOUT != 0
	return readable, writable, cancelled, nil
}

// Cancel wakes any in-progress or future Wait call once. Safe to call from
// a different goroutine than the one calling Wait.
func (p *Poller) Cancel() error {
	_, err := unix.Write(p.cancelW, []byte{0})
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("rwcancel: write cancel pipe: %w", err)
	}
	return nil
}

// Close releases the self-pipe. It does not close the polled fd, which
// the caller owns.
func (p *Poller) Close() error {
	err1 := unix.Close(p.cancelR)
	err2 := unix.Close(p.cancelW)
	if err1 != nil {
		return err1
	}
	return err2
}
