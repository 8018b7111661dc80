package transport

import (
	"fmt"
	"os"
	"time"

	"github.com/google/btree"
	"golang.org/x/time/rate"

	"github.com/rqxfer/rqxfer/internal/bitmask"
	"github.com/rqxfer/rqxfer/internal/fec"
	"github.com/rqxfer/rqxfer/internal/logger"
	"github.com/rqxfer/rqxfer/internal/neterr"
	"github.com/rqxfer/rqxfer/internal/rwcancel"
	"github.com/rqxfer/rqxfer/internal/wire"
)

// progressInterval throttles the stderr progress line (spec.md's
// supplemented progress indicator) so it updates at a readable cadence
// rather than on every symbol sent.
const progressInterval = 200 * time.Millisecond

// pacingDelay is the micro-delay spec.md §4.5 inserts between DataPacket
// writes as a placeholder for a real congestion controller.
const pacingDelay = 350 * time.Microsecond

// pendingBlock is the btree.BTreeG item for Sender.pending: an
// ordered set of not-yet-acked source block numbers, letting Phase B
// iterate in ascending sbn order in O(log n) per step instead of
// rescanning every sbn against the acked bitmap each pass.
type pendingBlock int

func pendingLess(a, b pendingBlock) bool { return a < b }

// connState is the sender's per-connection state machine (spec.md §4.5):
// INIT -> HANDSHAKING -> PRECOMPUTE||TRANSMIT -> TEARDOWN -> DONE, with a
// FAILED branch out of TRANSMIT.
type connState int

const (
	stateInit connState = iota
	stateHandshaking
	stateTransmit
	stateTeardown
	stateDone
	stateFailed
)

// Sender drives the source/repair symbol scheduler, reads ACKs, and
// terminates once the receiver's aggregated bitmap is full.
type Sender struct {
	sock   Socket
	log    *logger.Logger
	enc    *fec.Encoder
	connID uint32

	acked          *bitmask.Bitmask256
	repairInterval uint32
	sourceSent     uint64
	pending        *btree.BTreeG[pendingBlock]

	sourceCursor []uint32 // next esi to send per block, starts at 0
	repairCursor []uint32 // next repair esi to send per block, starts at K(sbn)

	limiter *rate.Limiter
	poller  *rwcancel.Poller
	state   connState

	showProgress   bool
	lastProgressAt time.Time
}

// NewSender builds a Sender for a file already encoded by enc, connected
// to sock under connID. showProgress enables the carriage-return-updated
// stderr progress line; callers typically pass the negation of their
// debug-logging flag, since the two would otherwise interleave on the
// same stream.
func NewSender(sock Socket, log *logger.Logger, enc *fec.Encoder, connID uint32, showProgress bool) (*Sender, error) {
	fd, err := sock.Fd()
	if err != nil {
		return nil, err
	}
	poller, err := rwcancel.NewPoller(fd)
	if err != nil {
		return nil, err
	}

	n := enc.NumBlocks()
	s := &Sender{
		sock:           sock,
		log:            log,
		enc:            enc,
		connID:         connID,
		acked:          &bitmask.Bitmask256{},
		repairInterval: InitialRepairInterval,
		pending:        btree.NewG(32, pendingLess),
		sourceCursor:   make([]uint32, n),
		repairCursor:   make([]uint32, n),
		limiter:        rate.NewLimiter(rate.Every(pacingDelay), 1),
		poller:         poller,
		state:          stateInit,
		showProgress:   showProgress,
	}
	for sbn := 0; sbn < n; sbn++ {
		s.repairCursor[sbn] = uint32(enc.K(sbn))
		s.pending.ReplaceOrInsert(pendingBlock(sbn))
	}
	return s, nil
}

// Run executes the handshake then the transmit loop until every block is
// acked, the peer closes, or an unrecoverable socket error occurs.
func (s *Sender) Run(req wire.HandshakeReqMsg) error {
	s.state = stateHandshaking
	recvTimeout := func(d time.Duration) ([]byte, error) {
		if err := s.sock.SetReadDeadline(time.Now().Add(d)); err != nil {
			return nil, err
		}
		buf := make([]byte, wire.HandshakeRespSize)
		n, _, err := s.sock.RecvDatagram(buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
	if err := SenderHandshake(s.sock, s.log, req, recvTimeout); err != nil {
		s.state = stateFailed
		return err
	}
	_ = s.sock.SetReadDeadline(time.Time{}) // clear deadline for the transmit loop

	s.enc.StartPrecompute()
	s.state = stateTransmit

	if err := s.transmit(); err != nil {
		s.state = stateFailed
		return err
	}
	s.state = stateTeardown
	time.Sleep(teardownWindow)
	s.state = stateDone
	return nil
}

// printProgress renders the single-line, carriage-return-updated progress
// indicator the supplemented spec calls for: bytes acked over file size and
// the current repair interval. Throttled to progressInterval and a no-op
// unless showProgress is set, so it never interleaves with -d's debug log
// lines on the same stream.
func (s *Sender) printProgress() {
	if !s.showProgress {
		return
	}
	now := time.Now()
	if !s.lastProgressAt.IsZero() && now.Sub(s.lastProgressAt) < progressInterval {
		return
	}
	s.lastProgressAt = now

	var ackedBytes int64
	numBlocks := s.enc.NumBlocks()
	for sbn := 0; sbn < numBlocks; sbn++ {
		if s.acked.Test(sbn) {
			ackedBytes += s.enc.BlockSize(sbn)
		}
	}
	interval := "suspended"
	if s.repairInterval != SuspendRepair {
		interval = fmt.Sprintf("%d", s.repairInterval)
	}
	fmt.Fprintf(os.Stderr, "\r%d/%d bytes acked, repair_interval=%s", ackedBytes, s.enc.FileSize(), interval)
}

func (s *Sender) transmit() error {
	scratch := make([]byte, wire.DataPacketHeaderSize+s.enc.SymbolSize())
	numBlocks := s.enc.NumBlocks()
	if s.showProgress {
		defer fmt.Fprintln(os.Stderr)
	}

	for curr := 0; curr < numBlocks; curr++ {
		if s.acked.Count() >= numBlocks {
			return nil
		}
		k := s.enc.K(curr)
		for esi := s.sourceCursor[curr]; int(esi) < k; esi++ {
			if err := s.drainAcks(); err != nil {
				return err
			}
			if s.acked.Test(curr) {
				break
			}
			if err := s.sendSymbol(scratch, curr, esi); err != nil {
				return err
			}
			s.sourceCursor[curr] = esi + 1
			s.sourceSent++
			s.printProgress()

			if s.repairInterval != SuspendRepair && s.sourceSent%uint64(s.repairInterval) == 0 {
				if err := s.sendRepairForPrior(scratch, curr); err != nil {
					return err
				}
			}
			s.limiter.Wait(noopCtx{})
		}
		if s.acked.Test(curr) {
			s.pending.Delete(pendingBlock(curr))
		}
	}

	for s.acked.Count() < numBlocks {
		if err := s.drainAcks(); err != nil {
			return err
		}
		progressed := false
		var loopErr error
		s.pending.Ascend(func(pb pendingBlock) bool {
			sbn := int(pb)
			if s.acked.Test(sbn) {
				return true
			}
			if err := s.sendRepair(scratch, sbn); err != nil {
				loopErr = err
				return false
			}
			progressed = true
			s.printProgress()
			return true
		})
		if loopErr != nil {
			return loopErr
		}
		if !progressed && s.acked.Count() < numBlocks {
			time.Sleep(pacingDelay)
		}
	}
	return nil
}

// sendRepairForPrior emits one repair symbol for every not-yet-acked
// block strictly before currBlock (Phase A's interleaved repair step).
func (s *Sender) sendRepairForPrior(scratch []byte, currBlock int) error {
	var outerErr error
	s.pending.Ascend(func(pb pendingBlock) bool {
		sbn := int(pb)
		if sbn >= currBlock {
			return false
		}
		if s.acked.Test(sbn) {
			return true
		}
		if err := s.sendRepair(scratch, sbn); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return outerErr
}

func (s *Sender) sendRepair(scratch []byte, sbn int) error {
	esi := s.repairCursor[sbn]
	if err := s.sendSymbol(scratch, sbn, esi); err != nil {
		return err
	}
	s.repairCursor[sbn] = esi + 1
	return nil
}

func (s *Sender) sendSymbol(scratch []byte, sbn int, esi uint32) error {
	if _, writable, _, err := s.poller.Wait(false, true, -1); err != nil {
		return err
	} else if !writable {
		return fmt.Errorf("transport: socket never became writable")
	}

	symbolID := wire.EncodeSymbolID(uint8(sbn), esi)
	payload := scratch[wire.DataPacketHeaderSize:]
	if err := s.enc.WriteSymbol(payload, sbn, esi); err != nil {
		return fmt.Errorf("transport: encode symbol sbn=%d esi=%d: %w", sbn, esi, err)
	}
	n := wire.MarshalDataPacket(scratch, symbolID, payload)
	if _, err := s.sock.SendBytes(scratch[:n]); err != nil {
		return fmt.Errorf("transport: send symbol sbn=%d esi=%d: %w", sbn, esi, err)
	}
	return nil
}

// drainAcks reads every ACK currently queued on the socket, folding each
// into acked/repairInterval (spec.md §4.5's feedback ingestion). It uses
// the readiness multiplexer spec.md §4.5 calls for rather than a
// deadline-based busy-poll: a non-blocking POLLIN check gates each read,
// so the drain stops the instant nothing more is queued instead of
// paying a syscall round-trip per empty attempt.
//
// RecvDatagram errors are classified per spec.md §7/§9: a WouldBlock just
// ends this drain attempt (the readiness check raced with something else
// claiming the datagram); Closed means the peer is gone, which §7 treats
// as the transfer having finished, so every block is marked acked instead
// of failing the connection; anything else is Fatal and propagates so Run
// can transition to stateFailed.
func (s *Sender) drainAcks() error {
	buf := make([]byte, wire.AckSize)
	for {
		readable, _, _, err := s.poller.Wait(true, false, 0)
		if err != nil {
			return err
		}
		if !readable {
			return nil
		}
		n, _, err := s.sock.RecvDatagram(buf)
		if err != nil {
			switch neterr.Classify(err) {
			case neterr.WouldBlock:
				return nil
			case neterr.Closed:
				for sbn := 0; sbn < s.enc.NumBlocks(); sbn++ {
					s.acked.Set(sbn)
				}
				return nil
			default:
				return err
			}
		}
		op, err := wire.PeekOpcode(buf[:n])
		if err != nil || op != wire.Ack {
			continue
		}
		ack, err := wire.UnmarshalAck(buf[:n])
		if err != nil {
			continue
		}
		s.acked.BitwiseOr(ack.Bitmap)
		s.repairInterval = ack.RepairInterval
	}
}

// noopCtx satisfies rate.Limiter.Wait's context.Context parameter for a
// pacing delay that never needs external cancellation: the transmit loop
// already exits via its own return paths.
type noopCtx struct{}

func (noopCtx) Deadline() (time.Time, bool)   { return time.Time{}, false }
func (noopCtx) Done() <-chan struct{}         { return nil }
func (noopCtx) Err() error                    { return nil }
func (noopCtx) Value(key any) any             { return nil }
