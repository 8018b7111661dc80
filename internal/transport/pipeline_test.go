package transport

import (
	"bytes"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rqxfer/rqxfer/internal/fec"
	"github.com/rqxfer/rqxfer/internal/filemap"
	"github.com/rqxfer/rqxfer/internal/logger"
	"github.com/rqxfer/rqxfer/internal/wire"
)

// lossySocket wraps a real Socket and deterministically drops every Nth
// outgoing datagram, standing in for a lossy channel (spec.md §8's
// identity-under-loss property) without needing a real network proxy.
type lossySocket struct {
	Socket
	every int
	n     int
}

func (s *lossySocket) SendBytes(b []byte) (int, error) {
	s.n++
	if s.every > 0 && s.n%s.every == 0 {
		return len(b), nil // dropped: pretend it went out fine
	}
	return s.Socket.SendBytes(b)
}

// runPipeline drives one full sender/receiver transfer over real loopback
// UDP sockets, optionally dropping every lossEvery'th datagram the sender
// emits, and returns the decoded output bytes alongside both ends'
// terminal errors.
func runPipeline(t *testing.T, content []byte, lossEvery int) (decoded []byte, sendErr, recvErr error) {
	t.Helper()
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	recvSock, err := Bind(0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer recvSock.Close()
	raddr, ok := recvSock.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("unexpected receiver local addr type %T", recvSock.LocalAddr())
	}

	sendSock, err := Connect(raddr.IP.String(), raddr.Port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sendSock.Close()
	var sSock Socket = sendSock
	if lossEvery > 0 {
		sSock = &lossySocket{Socket: sendSock, every: lossEvery}
	}

	fm, err := filemap.OpenSender(srcPath, fec.Al)
	if err != nil {
		t.Fatalf("OpenSender: %v", err)
	}
	defer fm.Close()

	params, err := fec.SizeForTransfer(fm.FileSize(), 64)
	if err != nil {
		t.Fatalf("SizeForTransfer: %v", err)
	}
	blockBytes := int64(params.SymbolsPerBlock) * int64(params.SymbolSize)
	enc := fec.NewEncoder(params, func(sbn int) []byte {
		return fm.Slice(int64(sbn)*blockBytes, blockBytes)
	})

	log := logger.New(logger.LevelSilent, "")
	sender, err := NewSender(sSock, log, enc, 1, false)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	req := wire.HandshakeReqMsg{
		ConnectionID: 1,
		FileName:     "src.bin",
		FileSize:     uint64(fm.FileSize()),
		OTICommon:    enc.OTICommon(),
		OTIScheme:    enc.OTIScheme(),
	}

	recvDone := make(chan error, 1)
	outPath := filepath.Join(dir, "out.bin")
	go func() {
		buf := make([]byte, wire.HandshakeReqSize)
		got, peer, err := ReceiverHandshake(recvSock, buf)
		if err != nil {
			recvDone <- err
			return
		}
		recvSock.SetPeer(peer)
		if _, err := recvSock.SendBytes(wire.HandshakeRespMsg{ConnectionID: got.ConnectionID}.Marshal()); err != nil {
			recvDone <- err
			return
		}

		dparams := fec.ParamsFromOTI(got.OTICommon, got.OTIScheme)
		dec := fec.NewDecoder(dparams)
		var padded int64
		for sbn := 0; sbn < dec.NumBlocks(); sbn++ {
			padded += int64(dec.K(sbn)) * int64(dec.SymbolSize())
		}
		out, err := filemap.OpenReceiver(outPath, int64(got.FileSize), padded)
		if err != nil {
			recvDone <- err
			return
		}

		receiver, err := NewReceiver(recvSock, log, dec, out, got.ConnectionID)
		if err != nil {
			recvDone <- err
			return
		}
		recvDone <- receiver.Run()
	}()

	sendErr = sender.Run(req)

	select {
	case recvErr = <-recvDone:
	case <-time.After(10 * time.Second):
		t.Fatal("receiver never finished")
	}

	decoded, err = os.ReadFile(outPath)
	if err != nil && sendErr == nil && recvErr == nil {
		t.Fatalf("read decoded output: %v", err)
	}
	return decoded, sendErr, recvErr
}

func TestPipelineIdentityLosslessChannel(t *testing.T) {
	content := make([]byte, 200_000)
	rand.New(rand.NewSource(1)).Read(content)

	decoded, sendErr, recvErr := runPipeline(t, content, 0)
	if sendErr != nil {
		t.Fatalf("sender: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receiver: %v", recvErr)
	}
	if !bytes.Equal(decoded, content) {
		t.Fatalf("decoded output does not match source: got %d bytes, want %d", len(decoded), len(content))
	}
}

func TestPipelineIdentityLossyChannel(t *testing.T) {
	content := make([]byte, 300_000)
	rand.New(rand.NewSource(2)).Read(content)

	// Drop every 7th datagram the sender emits: RaptorQ's endless repair
	// stream must still let the receiver recover every block (spec.md §8's
	// identity-under-loss property, exercising E1-class partial loss).
	decoded, sendErr, recvErr := runPipeline(t, content, 7)
	if sendErr != nil {
		t.Fatalf("sender: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receiver: %v", recvErr)
	}
	if !bytes.Equal(decoded, content) {
		t.Fatalf("decoded output does not match source under loss: got %d bytes, want %d", len(decoded), len(content))
	}
}

func TestPipelineSmallFileUnderOneSymbol(t *testing.T) {
	content := []byte("a small file smaller than one symbol")

	decoded, sendErr, recvErr := runPipeline(t, content, 0)
	if sendErr != nil {
		t.Fatalf("sender: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receiver: %v", recvErr)
	}
	if !bytes.Equal(decoded, content) {
		t.Fatalf("decoded output = %q, want %q", decoded, content)
	}
}
