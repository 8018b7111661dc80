// Package fec is the FecFacade contract the transport control loop depends
// on: a RaptorQ encoder/decoder pair, addressed per source block, built
// over github.com/xssnick/raptorq per spec.md §6.4's codec contract.
package fec

import (
	"fmt"
	"sync"

	"github.com/xssnick/raptorq"

	"github.com/rqxfer/rqxfer/internal/wire"
)

// Al is the RaptorQ symbol alignment spec.md fixes at 4 bytes.
const Al = 4

// candidateSymbolsPerBlock is the encoder sizing policy's search space
// (spec.md §4.4): try each value in order and accept the first that keeps
// num_blocks within MaxBlocks.
var candidateSymbolsPerBlock = []int{64, 128, 256, 512, 1024}

// MaxBlocks is spec.md's hard cap on source blocks (a symbol_id's high 8
// bits can address at most this many).
const MaxBlocks = wire.MaxSBN

// Params are the FEC parameters fixed at handshake time and identical
// bit-for-bit on both ends of the connection.
type Params struct {
	FileSize          int64
	SymbolSize        int
	SymbolsPerBlock   int
	NumBlocks         int
	OTICommon         uint64
	OTIScheme         uint32
}

// blockByteRange returns the half-open [start, end) byte range of block sbn
// within the padded file, each block being exactly SymbolsPerBlock*SymbolSize
// bytes.
func (p Params) blockByteRange(sbn int) (start, end int64) {
	blockBytes := int64(p.SymbolsPerBlock) * int64(p.SymbolSize)
	start = int64(sbn) * blockBytes
	end = start + blockBytes
	return
}

// BlockSize returns block_size(sbn): the number of payload bytes that
// block sbn covers, trimmed to the true file size on the final block so
// the decoder never writes padding bytes past the real end of file.
func (p Params) BlockSize(sbn int) int64 {
	start, end := p.blockByteRange(sbn)
	if end <= p.FileSize {
		return end - start
	}
	if start >= p.FileSize {
		return 0
	}
	return p.FileSize - start
}

// K returns K(sbn), the number of source symbols in block sbn.
func (p Params) K(sbn int) int { return p.SymbolsPerBlock }

// OTICommonEncode packs transfer length (F) and symbol size (T) per RFC
// 6330 §3.3.2: F in the high 40 bits, 8 reserved bits, T in the low 16
// bits.
func OTICommonEncode(fileSize int64, symbolSize int) uint64 {
	return uint64(fileSize)<<24 | uint64(uint16(symbolSize))
}

func OTICommonDecode(v uint64) (fileSize int64, symbolSize int) {
	return int64(v >> 24), int(uint16(v))
}

// OTISchemeEncode packs Z (source blocks), N (sub-blocks) and Al
// (alignment) per RFC 6330 §3.3.2: Z in the high 8 bits, N in the middle 16
// bits, Al in the low 8 bits.
func OTISchemeEncode(numBlocks, numSubBlocks, al int) uint32 {
	return uint32(uint8(numBlocks))<<24 | uint32(uint16(numSubBlocks))<<8 | uint32(uint8(al))
}

func OTISchemeDecode(v uint32) (numBlocks, numSubBlocks, al int) {
	return int(uint8(v >> 24)), int(uint16(v >> 8)), int(uint8(v))
}

// SizeForTransfer runs the encoder sizing policy of spec.md §4.4: try
// successive candidate symbols-per-block values and accept the first that
// keeps num_blocks within MaxBlocks.
func SizeForTransfer(fileSize int64, symbolSize int) (Params, error) {
	for _, spb := range candidateSymbolsPerBlock {
		blockBytes := int64(spb) * int64(symbolSize)
		numBlocks := int((fileSize + blockBytes - 1) / blockBytes)
		if numBlocks < 1 {
			numBlocks = 1
		}
		if numBlocks <= MaxBlocks {
			p := Params{
				FileSize:        fileSize,
				SymbolSize:      symbolSize,
				SymbolsPerBlock: spb,
				NumBlocks:       numBlocks,
			}
			p.OTICommon = OTICommonEncode(fileSize, symbolSize)
			p.OTIScheme = OTISchemeEncode(numBlocks, 1, Al)
			return p, nil
		}
	}
	return Params{}, fmt.Errorf("fec: no symbols-per-block candidate in %v keeps num_blocks <= %d for a %d-byte file at symbol_size %d", candidateSymbolsPerBlock, MaxBlocks, fileSize, symbolSize)
}

// ParamsFromOTI reconstructs Params from the wire-carried OTI fields, as
// the receiver does after accepting a handshake.
func ParamsFromOTI(oticommon uint64, otischeme uint32) Params {
	fileSize, symbolSize := OTICommonDecode(oticommon)
	numBlocks, _, _ := OTISchemeDecode(otischeme)
	spb := 0
	if numBlocks > 0 {
		// recover symbols-per-block from file size and block count: the
		// sender picked the smallest spb with numBlocks*spb*symbolSize >= fileSize.
		for _, cand := range candidateSymbolsPerBlock {
			bb := int64(cand) * int64(symbolSize)
			nb := int((int64(fileSize) + bb - 1) / bb)
			if nb < 1 {
				nb = 1
			}
			if nb == numBlocks {
				spb = cand
				break
			}
		}
	}
	return Params{
		FileSize:        fileSize,
		SymbolSize:      symbolSize,
		SymbolsPerBlock: spb,
		NumBlocks:       numBlocks,
		OTICommon:       oticommon,
		OTIScheme:       otischeme,
	}
}

// rqEncoder is the raptorq library's per-block encoder handle: whatever
// CreateEncoder returns, used only for its GenSymbol method.
type rqEncoder interface {
	GenSymbol(id uint32) []byte
}

// rqDecoder is the raptorq library's per-block decoder handle.
type rqDecoder interface {
	AddSymbol(symbolID uint32, data []byte) (bool, error)
	Decode() (bool, []byte, error)
}

type encBlock struct {
	sbn   uint8
	k     int
	once  sync.Once
	enc   rqEncoder
	err   error
	bytes []byte // this block's padded payload, the input enc is built from
}

func (b *encBlock) ensure(symbolSize int) error {
	b.once.Do(func() {
		rq := raptorq.NewRaptorQ(uint32(symbolSize))
		enc, err := rq.CreateEncoder(b.bytes)
		if err != nil {
			b.err = fmt.Errorf("fec: create encoder for block %d: %w", b.sbn, err)
			return
		}
		b.enc = enc
	})
	return b.err
}

// Encoder is the sender-side FecFacade: one RaptorQ encoder per source
// block, each built lazily (and, via StartPrecompute, eagerly in the
// background) from the corresponding slice of the source FileMap.
type Encoder struct {
	params Params
	blocks []*encBlock
}

// NewEncoder builds an Encoder whose block sbn is encoded from
// blockPayload(sbn), which must return that block's full
// params.SymbolsPerBlock*params.SymbolSize bytes (the caller — typically a
// filemap.FileMap — is responsible for zero-padding any tail past the true
// file size).
func NewEncoder(params Params, blockPayload func(sbn int) []byte) *Encoder {
	e := &Encoder{params: params, blocks: make([]*encBlock, params.NumBlocks)}
	for sbn := 0; sbn < params.NumBlocks; sbn++ {
		e.blocks[sbn] = &encBlock{
			sbn:   uint8(sbn),
			k:     params.SymbolsPerBlock,
			bytes: blockPayload(sbn),
		}
	}
	return e
}

func (e *Encoder) OTICommon() uint64       { return e.params.OTICommon }
func (e *Encoder) OTIScheme() uint32       { return e.params.OTIScheme }
func (e *Encoder) NumBlocks() int          { return e.params.NumBlocks }
func (e *Encoder) K(sbn int) int           { return e.blocks[sbn].k }
func (e *Encoder) SymbolSize() int         { return e.params.SymbolSize }
func (e *Encoder) FileSize() int64         { return e.params.FileSize }
func (e *Encoder) BlockSize(sbn int) int64 { return e.params.BlockSize(sbn) }

// StartPrecompute builds every block's underlying RaptorQ encoder — the
// expensive intermediate-symbol computation RFC 6330 requires — on a
// background goroutine, so the transmit loop's first WriteSymbol calls
// don't pay for it inline. WriteSymbol still works correctly if called
// before precompute reaches a given block: sync.Once makes construction
// idempotent and safe from either caller.
func (e *Encoder) StartPrecompute() {
	go func() {
		for _, b := range e.blocks {
			b.ensure(e.params.SymbolSize)
		}
	}()
}

// WriteSymbol fills dst (len == SymbolSize) with the bytes of symbol esi of
// block sbn. esi < K(sbn) yields a source symbol; esi >= K(sbn) yields the
// next repair symbol in RaptorQ's endless repair stream.
func (e *Encoder) WriteSymbol(dst []byte, sbn int, esi uint32) error {
	b := e.blocks[sbn]
	if err := b.ensure(e.params.SymbolSize); err != nil {
		return err
	}
	sym := b.enc.GenSymbol(esi)
	if len(sym) != len(dst) {
		return fmt.Errorf("fec: block %d esi %d produced %d bytes, want %d", sbn, esi, len(sym), len(dst))
	}
	copy(dst, sym)
	return nil
}

type decBlock struct {
	sbn     uint8
	k       int
	size    int64
	dec     rqDecoder
	decoded bool
}

// Decoder is the receiver-side FecFacade: one RaptorQ decoder per source
// block. Not safe for concurrent use across goroutines — spec.md §4.6
// serializes all decoder access on a single worker goroutine.
type Decoder struct {
	params Params
	blocks []*decBlock
}

// NewDecoder builds a Decoder from the OTI fields carried in the
// handshake.
func NewDecoder(params Params) *Decoder {
	d := &Decoder{params: params, blocks: make([]*decBlock, params.NumBlocks)}
	for sbn := 0; sbn < params.NumBlocks; sbn++ {
		size := params.BlockSize(sbn)
		// The codec is sized for the full padded block, exactly as the
		// encoder was, so both ends agree on the block's source symbol
		// count; Decode trims the result to size.
		blockStart, blockEnd := params.blockByteRange(sbn)
		rq := raptorq.NewRaptorQ(uint32(params.SymbolSize))
		dec, _ := rq.CreateDecoder(uint32(blockEnd - blockStart))
		d.blocks[sbn] = &decBlock{
			sbn:  uint8(sbn),
			k:    params.SymbolsPerBlock,
			size: size,
			dec:  dec,
		}
	}
	return d
}

func (d *Decoder) NumBlocks() int          { return d.params.NumBlocks }
func (d *Decoder) BlockSize(sbn int) int64 { return d.blocks[sbn].size }
func (d *Decoder) K(sbn int) int           { return d.blocks[sbn].k }
func (d *Decoder) SymbolSize() int         { return d.params.SymbolSize }

// AddSymbol hands one received symbol to the decoder for its block.
// Idempotent on duplicates: adding the same (sbn, esi) twice is harmless
// and the second call simply reports whatever the library reports, without
// corrupting decoder state. Returns whether the decoder believes a decode
// attempt may now succeed.
func (d *Decoder) AddSymbol(payload []byte, symbolID uint32) (bool, error) {
	sbn, esi := wire.DecodeSymbolID(symbolID)
	if int(sbn) >= len(d.blocks) {
		return false, fmt.Errorf("fec: symbol references block %d, only %d blocks known", sbn, len(d.blocks))
	}
	return d.blocks[sbn].dec.AddSymbol(esi, payload)
}

// Decode attempts to reconstruct block sbn into dst (len == BlockSize(sbn)).
// Returns true iff enough linearly-independent symbols have been collected.
func (d *Decoder) Decode(dst []byte, sbn int) (bool, error) {
	b := d.blocks[sbn]
	if b.decoded {
		return true, nil
	}
	ok, data, err := b.dec.Decode()
	if err != nil {
		return false, fmt.Errorf("fec: decode block %d: %w", sbn, err)
	}
	if !ok {
		return false, nil
	}
	if len(data) < len(dst) {
		return false, fmt.Errorf("fec: decoded block %d is %d bytes, want at least %d", sbn, len(data), len(dst))
	}
	copy(dst, data[:len(dst)])
	b.decoded = true
	return true, nil
}

