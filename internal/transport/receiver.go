package transport

import (
	"fmt"
	"time"

	"github.com/rqxfer/rqxfer/internal/bitmask"
	"github.com/rqxfer/rqxfer/internal/fec"
	"github.com/rqxfer/rqxfer/internal/filemap"
	"github.com/rqxfer/rqxfer/internal/logger"
	"github.com/rqxfer/rqxfer/internal/neterr"
	"github.com/rqxfer/rqxfer/internal/rwcancel"
	"github.com/rqxfer/rqxfer/internal/wire"
)

// blockStats tracks the two per-block counters the feedback estimator
// needs: how many symbols actually arrived, and the highest esi seen
// (spec.md §4.6, §4.8).
type blockStats struct {
	numRecv    uint64
	maxESIRecv uint32
	haveAny    bool
}

// Receiver runs the reader task (owns the socket) and the decoder task
// (owns the RaptorQ decoder and output mapping) as described in spec.md
// §4.6/§5. Reader and decoder communicate only through symbolQueue and
// the decoded bitmask; the reader never touches the output mapping.
type Receiver struct {
	sock   Socket
	log    *logger.Logger
	dec    *fec.Decoder
	out    *filemap.FileMap
	connID uint32

	decoded        *bitmask.Bitmask256
	repairInterval uint32 // written only by the decoder task
	stats          []blockStats

	queue      symbolQueue
	poller     *rwcancel.Poller
	peerClosed chan struct{}
}

// NewReceiver builds a Receiver. out must already be sized to the
// decoder's padded length (OpenReceiver's paddedSize).
func NewReceiver(sock Socket, log *logger.Logger, dec *fec.Decoder, out *filemap.FileMap, connID uint32) (*Receiver, error) {
	fd, err := sock.Fd()
	if err != nil {
		return nil, err
	}
	poller, err := rwcancel.NewPoller(fd)
	if err != nil {
		return nil, err
	}
	return &Receiver{
		sock:           sock,
		log:            log,
		dec:            dec,
		out:            out,
		connID:         connID,
		decoded:        &bitmask.Bitmask256{},
		repairInterval: InitialRepairInterval,
		stats:          make([]blockStats, dec.NumBlocks()),
		queue:          newSymbolQueue(),
		poller:         poller,
		peerClosed:     make(chan struct{}),
	}, nil
}

// Run starts the reader task and runs the decoder task on the calling
// goroutine until every block is decoded, then drains the socket for a
// teardown silence window before returning. The reader task keeps running
// through teardown too (spec.md §4.6 requires draining queued DataPackets
// after decode completes) and is only stopped via the poller's Cancel
// once the silence window elapses.
func (r *Receiver) Run() error {
	readerErr := make(chan error, 1)
	go r.readerTask(readerErr)

	if err := r.decoderTask(); err != nil {
		r.poller.Cancel()
		<-readerErr
		return err
	}

	err := r.teardown()
	r.poller.Cancel()
	if readerTaskErr := <-readerErr; readerTaskErr != nil {
		r.log.Debugf("reader task exited: %v", readerTaskErr)
	}
	return err
}

func (r *Receiver) readerTask(errc chan<- error) {
	symbolSize := r.dec.SymbolSize()
	buf := make([]byte, wire.DataPacketHeaderSize+symbolSize)
	for {
		readable, _, cancelled, err := r.poller.Wait(true, false, -1)
		if err != nil {
			errc <- err
			return
		}
		if cancelled {
			errc <- nil
			return
		}
		if !readable {
			continue
		}
		n, _, err := r.sock.RecvDatagram(buf)
		if err != nil {
			switch neterr.Classify(err) {
			case neterr.WouldBlock:
				continue
			case neterr.Closed:
				close(r.peerClosed)
				errc <- nil
				return
			default:
				errc <- err
				return
			}
		}
		pkt, err := wire.UnmarshalDataPacket(buf[:n])
		if err != nil {
			continue // not a DataPacket: drop
		}
		sbn, esi := wire.DecodeSymbolID(pkt.SymbolID)
		if r.decoded.Test(int(sbn)) {
			continue // already decoded: drop
		}
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		// Once every block is decoded, decoded.Test(sbn) above is true
		// for every sbn, so this send is never reached during teardown —
		// the queue can't fill with nothing left to drain it.
		r.queue <- receivedSymbol{sbn: sbn, esi: esi, payload: payload}
	}
}

func (r *Receiver) decoderTask() error {
	numBlocks := r.dec.NumBlocks()
	nextAckDeadline := time.Now()

	for {
		now := time.Now()
		if !now.Before(nextAckDeadline) {
			if err := r.sendAck(); err != nil {
				return err
			}
			nextAckDeadline = now.Add(HeartbeatInterval)
		}

		if r.decoded.Count() >= numBlocks {
			return nil
		}

		select {
		case sym := <-r.queue:
			if err := r.handleSymbol(sym); err != nil {
				return err
			}
		case <-r.peerClosed:
			// spec.md §7 "Peer closed": success iff every block already
			// decoded, otherwise the transfer is incomplete.
			if r.decoded.Count() >= numBlocks {
				return nil
			}
			return fmt.Errorf("transport: peer closed before all %d blocks were decoded", numBlocks)
		case <-time.After(nextAckDeadline.Sub(time.Now())):
			// loop around to send the heartbeat
		}
	}
}

func (r *Receiver) handleSymbol(sym receivedSymbol) error {
	sbn := int(sym.sbn)
	st := &r.stats[sbn]
	st.numRecv++
	if !st.haveAny || sym.esi > st.maxESIRecv {
		st.maxESIRecv = sym.esi
		st.haveAny = true
	}

	symbolID := wire.EncodeSymbolID(sym.sbn, sym.esi)
	accepted, err := r.dec.AddSymbol(sym.payload, symbolID)
	if err != nil {
		return fmt.Errorf("transport: add symbol sbn=%d esi=%d: %w", sbn, sym.esi, err)
	}
	if !accepted {
		return nil // decoder reports a decode attempt cannot succeed yet
	}

	if r.decoded.Test(sbn) {
		return nil
	}
	dst := r.out.Slice(blockOffset(r.dec, sbn), r.dec.BlockSize(sbn))
	ok, err := r.dec.Decode(dst, sbn)
	if err != nil {
		return fmt.Errorf("transport: decode block %d: %w", sbn, err)
	}
	if !ok {
		return nil
	}
	r.decoded.Set(sbn)
	r.repairInterval = r.estimateRepairInterval(sbn)
	return r.sendAck()
}

// estimateRepairInterval applies spec.md §4.8's formula to the
// just-decoded block.
func (r *Receiver) estimateRepairInterval(sbn int) uint32 {
	st := r.stats[sbn]
	expected := uint64(st.maxESIRecv) + 1
	if st.numRecv == expected {
		return SuspendRepair
	}
	lossRate := 1 - float64(st.numRecv)/float64(expected)
	return RepairIntervalForLossRate(lossRate)
}

func (r *Receiver) sendAck() error {
	ack := wire.AckMsg{
		Bitmap:         r.decoded.Snapshot(),
		RepairInterval: r.repairInterval,
	}
	if _, err := r.sock.SendBytes(ack.Marshal()); err != nil {
		return fmt.Errorf("transport: send ack: %w", err)
	}
	return nil
}

// teardown closes the output mapping, then sends a bitmap-full Ack every
// HeartbeatInterval for a fixed teardownWindow measured from the start of
// teardown, and returns. It does not track whether the sender has fallen
// silent; DataPackets arriving meanwhile are dropped by the reader task,
// since every block is already decoded.
func (r *Receiver) teardown() error {
	if err := r.out.Close(); err != nil {
		return fmt.Errorf("transport: close output mapping: %w", err)
	}
	silenceDeadline := time.Now().Add(teardownWindow)
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for time.Now().Before(silenceDeadline) {
		if err := r.sendAck(); err != nil {
			return err
		}
		<-ticker.C
	}
	return nil
}

// blockOffset returns the byte offset of block sbn within the output
// mapping, summing the preceding blocks' full (untrimmed) lengths so
// every block starts on the same alignment the encoder used.
func blockOffset(dec *fec.Decoder, sbn int) int64 {
	var off int64
	for i := 0; i < sbn; i++ {
		off += int64(dec.K(i)) * int64(dec.SymbolSize())
	}
	return off
}
