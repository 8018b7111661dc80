// Command receiver accepts one file transfer from a sender and writes the
// decoded result to the working directory under the name the sender
// supplied at handshake time.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/rqxfer/rqxfer/internal/fec"
	"github.com/rqxfer/rqxfer/internal/filemap"
	"github.com/rqxfer/rqxfer/internal/flags"
	"github.com/rqxfer/rqxfer/internal/logger"
	"github.com/rqxfer/rqxfer/internal/transport"
	"github.com/rqxfer/rqxfer/internal/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "receiver:", err)
		os.Exit(1)
	}
}

func run() error {
	opts := flags.NewReceiverOptions()
	if err := flags.ParseReceiver(opts); err != nil {
		return err
	}

	level := logger.LevelInfo
	if opts.Debug {
		level = logger.LevelDebug
	}
	log := logger.New(level, "")

	sock, err := transport.Bind(flags.DefaultPort)
	if err != nil {
		sock, err = transport.Bind(opts.Port)
	}
	if err != nil {
		return err
	}
	defer sock.Close()

	laddr := sock.LocalAddr()
	udpAddr, ok := laddr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("receiver: unexpected local address type %T", laddr)
	}
	fmt.Printf("%s %d\n", udpAddr.IP, udpAddr.Port)

	buf := make([]byte, wire.HandshakeReqSize)
	req, peer, err := transport.ReceiverHandshake(sock, buf)
	if err != nil {
		return err
	}
	sock.SetPeer(peer)

	if _, err := sock.SendBytes(wire.HandshakeRespMsg{ConnectionID: req.ConnectionID}.Marshal()); err != nil {
		return err
	}

	params := fec.ParamsFromOTI(req.OTICommon, req.OTIScheme)
	dec := fec.NewDecoder(params)

	var paddedSize int64
	for sbn := 0; sbn < dec.NumBlocks(); sbn++ {
		paddedSize += int64(dec.K(sbn)) * int64(dec.SymbolSize())
	}

	out, err := filemap.OpenReceiver(req.FileName, int64(req.FileSize), paddedSize)
	if err != nil {
		return err
	}

	log.Infof("receiving %s (%d bytes, %d blocks) from %v", req.FileName, req.FileSize, dec.NumBlocks(), peer)

	receiver, err := transport.NewReceiver(sock, log, dec, out, req.ConnectionID)
	if err != nil {
		return err
	}
	if err := receiver.Run(); err != nil {
		return err
	}
	log.Infof("transfer complete")
	return nil
}
