package cell

import (
	"fmt"
	"time"
)

// DefaultColor is the color reported for cells that have never been claimed.
const DefaultColor = "#1a1a2e"

// Coord addresses a single cell on the grid.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Cell represents the current owned state of one grid cell. A cell absent from
// the ledger is equivalent to the zero value with ClaimCount 0 and no owner.
type Cell struct {
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Color      string    `json:"color"`
	Owner      string    `json:"owner"`
	ClaimCount int       `json:"claimCount"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Coord returns the cell's grid coordinate.
func (c Cell) Coord() Coord {
	return Coord{X: c.X, Y: c.Y}
}

// RGB is a decoded 3-byte color.
type RGB struct {
	R uint8
	G uint8
	B uint8
}

// Hex renders the color as "#rrggbb".
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ParseColor parses a "#rrggbb" hex color. The leading '#' is required and
// only the 6-digit form is accepted.
func ParseColor(s string) (RGB, error) {
	if len(s) != 7 || s[0] != '#' {
		return RGB{}, fmt.Errorf("color %q is not in #rrggbb form", s)
	}
	var out [3]uint8
	for i := 0; i < 3; i++ {
		hi, ok1 := hexVal(s[1+i*2])
		lo, ok2 := hexVal(s[2+i*2])
		if !ok1 || !ok2 {
			return RGB{}, fmt.Errorf("color %q is not in #rrggbb form", s)
		}
		out[i] = hi<<4 | lo
	}
	return RGB{R: out[0], G: out[1], B: out[2]}, nil
}

func hexVal(b byte) (uint8, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}
