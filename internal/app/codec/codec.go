// Package codec implements the compact binary wire format used to transfer
// the full grid in one response.
//
// Layout (little-endian):
//
//	uint32 cellCount
//	repeated cellCount times, 8 bytes each:
//	  uint16 x
//	  uint16 y
//	  uint8  r
//	  uint8  g
//	  uint8  b
//	  uint8  claimCount
//
// Total size is 4 + 8*cellCount bytes. Owner and price are deliberately not
// serialized; clients re-derive price from claimCount.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/grid402/canvas/internal/app/domain/cell"
)

const (
	headerSize = 4
	cellSize   = 8
)

// ErrMalformedPayload reports a buffer that cannot hold the cell count it
// declares. Decoding never returns partial results.
var ErrMalformedPayload = errors.New("malformed grid payload")

// Snapshot is one cell as carried on the wire.
type Snapshot struct {
	X          int
	Y          int
	Color      cell.RGB
	ClaimCount int
}

// Encode serializes cells into the binary grid format. Output is
// deterministic for a given input ordering. Coordinates must fit uint16 and
// claim counts uint8.
func Encode(cells []cell.Cell) ([]byte, error) {
	buf := make([]byte, headerSize+len(cells)*cellSize)
	binary.LittleEndian.PutUint32(buf, uint32(len(cells)))

	off := headerSize
	for _, c := range cells {
		if c.X < 0 || c.X > math.MaxUint16 || c.Y < 0 || c.Y > math.MaxUint16 {
			return nil, fmt.Errorf("cell %s: coordinate out of uint16 range", c.Coord())
		}
		if c.ClaimCount < 0 || c.ClaimCount > math.MaxUint8 {
			return nil, fmt.Errorf("cell %s: claim count %d out of uint8 range", c.Coord(), c.ClaimCount)
		}
		rgb, err := cell.ParseColor(c.Color)
		if err != nil {
			return nil, fmt.Errorf("cell %s: %w", c.Coord(), err)
		}

		binary.LittleEndian.PutUint16(buf[off:], uint16(c.X))
		binary.LittleEndian.PutUint16(buf[off+2:], uint16(c.Y))
		buf[off+4] = rgb.R
		buf[off+5] = rgb.G
		buf[off+6] = rgb.B
		buf[off+7] = uint8(c.ClaimCount)
		off += cellSize
	}
	return buf, nil
}

// Decode parses a binary grid payload. It is a left inverse of Encode for the
// serialized fields. A truncated buffer yields ErrMalformedPayload and no
// cells.
func Decode(buf []byte) ([]Snapshot, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedPayload, len(buf))
	}
	count := binary.LittleEndian.Uint32(buf)
	need := uint64(headerSize) + uint64(count)*cellSize
	if uint64(len(buf)) < need {
		return nil, fmt.Errorf("%w: declared %d cells need %d bytes, have %d", ErrMalformedPayload, count, need, len(buf))
	}

	out := make([]Snapshot, count)
	off := headerSize
	for i := range out {
		out[i] = Snapshot{
			X: int(binary.LittleEndian.Uint16(buf[off:])),
			Y: int(binary.LittleEndian.Uint16(buf[off+2:])),
			Color: cell.RGB{
				R: buf[off+4],
				G: buf[off+5],
				B: buf[off+6],
			},
			ClaimCount: int(buf[off+7]),
		}
		off += cellSize
	}
	return out, nil
}
