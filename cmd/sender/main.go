// Command sender delivers one file to a receiver over the protocol
// implemented by internal/transport, using RaptorQ forward-error
// correction to tolerate datagram loss without retransmission.
package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rqxfer/rqxfer/internal/fec"
	"github.com/rqxfer/rqxfer/internal/filemap"
	"github.com/rqxfer/rqxfer/internal/flags"
	"github.com/rqxfer/rqxfer/internal/logger"
	"github.com/rqxfer/rqxfer/internal/transport"
	"github.com/rqxfer/rqxfer/internal/wire"
)

// defaultSymbolSize targets one UDP datagram under a 1500-byte-MTU path:
// 1400 bytes minus the DataPacket header (spec.md §6.4). run rounds it
// down to a multiple of fec.Al before sizing the encoder.
const defaultSymbolSize = 1400 - wire.DataPacketHeaderSize

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sender:", err)
		os.Exit(1)
	}
}

func run() error {
	opts := flags.NewSenderOptions()
	if err := flags.ParseSender(opts); err != nil {
		return err
	}

	level := logger.LevelInfo
	if opts.Debug {
		level = logger.LevelDebug
	}
	log := logger.New(level, "")

	fm, err := filemap.OpenSender(opts.FilePath, fec.Al)
	if err != nil {
		return err
	}
	defer fm.Close()

	symbolSize := defaultSymbolSize - (defaultSymbolSize % fec.Al)
	params, err := fec.SizeForTransfer(fm.FileSize(), symbolSize)
	if err != nil {
		return err
	}
	blockBytes := int64(params.SymbolsPerBlock) * int64(params.SymbolSize)
	enc := fec.NewEncoder(params, func(sbn int) []byte {
		return fm.Slice(int64(sbn)*blockBytes, blockBytes)
	})

	sock, err := transport.Connect(opts.Host, opts.Port)
	if err != nil {
		return err
	}
	defer sock.Close()

	connID, err := randomConnID()
	if err != nil {
		return err
	}
	req := wire.HandshakeReqMsg{
		ConnectionID: connID,
		FileName:     filepath.Base(opts.FilePath),
		FileSize:     uint64(fm.FileSize()),
		OTICommon:    enc.OTICommon(),
		OTIScheme:    enc.OTIScheme(),
	}

	log.Infof("sending %s (%d bytes, %d blocks) to %s:%d", req.FileName, req.FileSize, enc.NumBlocks(), opts.Host, opts.Port)

	sender, err := transport.NewSender(sock, log, enc, connID, !opts.Debug)
	if err != nil {
		return err
	}
	if err := sender.Run(req); err != nil {
		return err
	}
	log.Infof("transfer complete")
	return nil
}

func randomConnID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("sender: generate connection id: %w", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
