package rn52

import (
	"fmt"
	"strconv"
	"time"
)

// StatusHexLen is the number of hex characters in a Q response.
const StatusHexLen = 4

// StatusReport is the decoded reply to a Q command.
type StatusReport struct {
	// Value is the 16-bit status bitmask. Zero is also what malformed
	// text decodes to, so it does not imply the reply was valid.
	Value uint16 `json:"value"`
	// Hex is the first four reply bytes, cut at the first NUL. It is never
	// longer than StatusHexLen and carries no terminator.
	Hex string `json:"hex"`
	// At is when the reply was read. Zero on a faulted controller.
	At time.Time `json:"at"`
}

func (r StatusReport) String() string {
	return fmt.Sprintf("%q (0x%04X)", r.Hex, r.Value)
}

// DecodeStatus parses exactly four ASCII hex digits (either case, most
// significant first). Any other length or any non-hex byte yields 0.
func DecodeStatus(text string) uint16 {
	if len(text) != StatusHexLen {
		return 0
	}
	v, err := strconv.ParseUint(text, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}
