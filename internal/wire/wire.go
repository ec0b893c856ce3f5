// Package wire implements the shared envelope spec §6 specifies for
// every filter payload put on the network: a fixed 8-byte header
// (u32 filter id, u8 kind tag, u8 column-type tag, u16 flags) followed
// by the kind-specific filterval payload. Bloom and bitmap payloads
// are optionally LZ4-compressed, grounded on the teacher's go.mod
// carrying github.com/pierrec/lz4/v4 for its own on-disk index
// compression (internal/indexer/indexer.go).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/runtimefilter/rtfilter/internal/coltype"
	"github.com/runtimefilter/rtfilter/internal/filterval"
)

// headerSize is the fixed envelope prefix: u32 + u8 + u8 + u16.
const headerSize = 8

// Flag bits for the envelope's u16 flags field (spec §6: "ignored,
// always-true, polarity, null-contained"). Polarity and null-contained
// are carried inside each kind's own payload (encodeBitmapHeader,
// encodeInSet/encodeBloomHeader). Besides FlagCompressed, the bits
// below are wrapper-level policy bits the payload itself has no room
// for.
const (
	FlagCompressed     uint16 = 1 << 0
	FlagAlwaysTrue     uint16 = 1 << 1
	FlagFalseProducing uint16 = 1 << 2
	FlagIgnored        uint16 = 1 << 3
)

// Envelope is the decoded form of one wire message.
type Envelope struct {
	FilterID uint32
	Kind     filterval.Kind
	ColType  coltype.Type
	Flags    uint16
	Payload  []byte // kind-specific filterval payload, decompressed
}

// shouldCompress mirrors spec §6's guidance that bloom and bitmap
// payloads -- the two kinds whose wire form is a dense bit buffer --
// are the ones worth spending LZ4 cycles on; in-set/min-max/in-or-bloom
// payloads are already small and mostly incompressible length-prefixed
// values.
func shouldCompress(k filterval.Kind) bool {
	return k == filterval.KindBloom || k == filterval.KindBitmap
}

// Encode builds the wire envelope for one filter instance's payload.
// extraFlags carries wrapper-level policy bits (FlagAlwaysTrue,
// FlagFalseProducing, FlagIgnored) the caller has already determined;
// Encode only adds FlagCompressed on top.
func Encode(filterID uint32, v filterval.Value, extraFlags uint16) ([]byte, error) {
	payload, err := v.Serialize()
	if err != nil {
		return nil, fmt.Errorf("wire: serialize filter %d: %w", filterID, err)
	}

	flags := extraFlags
	if shouldCompress(v.Kind()) {
		compressed, err := compress(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: compress filter %d: %w", filterID, err)
		}
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], filterID)
	buf[4] = byte(v.Kind())
	buf[5] = byte(v.ColumnType())
	binary.BigEndian.PutUint16(buf[6:8], flags)
	copy(buf[headerSize:], payload)
	return buf, nil
}

// Decode parses a wire envelope, decompressing the payload if
// FlagCompressed is set. It does not reconstruct a filterval.Value --
// callers use ColType/Kind to pick the right filterval.DeserializeXxx
// function, since several of those take extra construction parameters
// (in-set capacity, null policy, in-or-bloom sizing) that are not
// carried on the wire (spec §6 "wire
// frames are paired with out-of-band filter descriptor metadata
// established at plan distribution time").
func Decode(data []byte) (Envelope, error) {
	if len(data) < headerSize {
		return Envelope{}, fmt.Errorf("wire: truncated envelope, got %d bytes", len(data))
	}
	e := Envelope{
		FilterID: binary.BigEndian.Uint32(data[0:4]),
		Kind:     filterval.Kind(data[4]),
		ColType:  coltype.Type(data[5]),
		Flags:    binary.BigEndian.Uint16(data[6:8]),
	}
	payload := data[headerSize:]
	if e.Flags&FlagCompressed != 0 {
		decompressed, err := decompress(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("wire: decompress filter %d: %w", e.FilterID, err)
		}
		payload = decompressed
	}
	e.Payload = payload
	return e, nil
}

func compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}
