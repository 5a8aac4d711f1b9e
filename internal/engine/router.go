package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotPyramid marks a source_ref that belongs to another subsystem.
	// Hooks skip these silently; the platform queue carries orders from many
	// strategies.
	ErrNotPyramid = errors.New("not a pyramid source_ref")
	// ErrBadRef marks a pyramid-prefixed source_ref that does not parse.
	ErrBadRef = errors.New("malformed source_ref")
)

// Ref is a parsed routing token. TP distinguishes the take-profit slot from
// a numbered wave.
type Ref struct {
	SessionID int64
	WaveNum   int
	TP        bool
}

// ParseSourceRef decodes the routing token stamped on outbound orders:
// "pyramid:{session_id}:wave:{n}" or "pyramid:{session_id}:tp". This is the
// only place in the engine that knows the token's layout; everywhere else
// it travels as an opaque string.
func ParseSourceRef(ref string) (Ref, error) {
	parts := strings.Split(ref, ":")
	if len(parts) < 2 || parts[0] != "pyramid" {
		return Ref{}, fmt.Errorf("%w: %q", ErrNotPyramid, ref)
	}

	sessionID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || sessionID <= 0 {
		return Ref{}, fmt.Errorf("%w: bad session id in %q", ErrBadRef, ref)
	}

	switch {
	case len(parts) == 3 && parts[2] == "tp":
		return Ref{SessionID: sessionID, TP: true}, nil
	case len(parts) == 4 && parts[2] == "wave":
		waveNum, err := strconv.Atoi(parts[3])
		if err != nil || waveNum < 0 {
			return Ref{}, fmt.Errorf("%w: bad wave number in %q", ErrBadRef, ref)
		}
		return Ref{SessionID: sessionID, WaveNum: waveNum}, nil
	default:
		return Ref{}, fmt.Errorf("%w: %q", ErrBadRef, ref)
	}
}
