package stream

import "unicode/utf8"

type stripState int

const (
	stateGround  stripState = iota
	stateEscape             // after ESC
	stateCSI                // after ESC [
	stateOSC                // after ESC ]
	stateOSCEsc             // ESC seen inside OSC, expecting '\'
	stateString             // DCS, SOS, PM, APC body
	stateStringEsc          // ESC seen inside a string, expecting '\'
	stateCharset            // after ESC ( ESC ) ESC # ..., one byte follows
)

const (
	maxCSILen    = 64
	maxStringLen = 4096
)

// Stripper removes terminal control sequences from a byte stream that arrives
// in arbitrary chunks. Parser state persists between calls, so a sequence that
// is split across two chunks is consumed as one sequence and none of its bytes
// leak into the text. Carriage returns are normalized to newlines.
//
// A Stripper is not safe for concurrent use; each session owns one.
type Stripper struct {
	state  stripState
	seqLen int
	lastCR bool
	carry  []byte // incomplete trailing UTF-8 rune from the previous chunk
}

// NewStripper returns a stripper in the ground state.
func NewStripper() *Stripper {
	return &Stripper{}
}

// Strip consumes a raw chunk and returns the printable text it contained.
func (s *Stripper) Strip(chunk []byte) string {
	out := make([]byte, 0, len(s.carry)+len(chunk))
	out = append(out, s.carry...)
	s.carry = s.carry[:0]

	for _, b := range chunk {
		out = s.step(out, b)
	}

	// Hold back a rune whose remaining bytes are still in flight.
	if cut := incompleteRuneStart(out); cut >= 0 {
		s.carry = append(s.carry, out[cut:]...)
		out = out[:cut]
	}
	return string(out)
}

// Reset discards any partial sequence and carried bytes.
func (s *Stripper) Reset() {
	s.state = stateGround
	s.seqLen = 0
	s.lastCR = false
	s.carry = s.carry[:0]
}

// StripString strips a complete string in one pass.
func StripString(text string) string {
	return NewStripper().Strip([]byte(text))
}

func (s *Stripper) step(out []byte, b byte) []byte {
	switch s.state {
	case stateGround:
		return s.ground(out, b)

	case stateEscape:
		switch {
		case b == '[':
			s.enter(stateCSI)
		case b == ']':
			s.enter(stateOSC)
		case b == 'P' || b == 'X' || b == '^' || b == '_':
			s.enter(stateString)
		case b >= 0x20 && b <= 0x2f:
			s.enter(stateCharset)
		case b == 0x1b:
			// ESC ESC: the first one was stray.
		case b == 0x18 || b == 0x1a:
			s.enter(stateGround)
		case b < 0x20:
			// C0 controls inside an escape are executed, not printed.
			s.enter(stateGround)
			return s.ground(out, b)
		default:
			// Two-byte sequence such as ESC 7, ESC M, ESC =.
			s.enter(stateGround)
		}

	case stateCSI:
		s.seqLen++
		switch {
		case b >= 0x40 && b <= 0x7e:
			s.enter(stateGround)
		case b >= 0x20 && b <= 0x3f:
			if s.seqLen > maxCSILen {
				s.enter(stateGround)
			}
		case b == 0x1b:
			s.enter(stateEscape)
		case b == 0x18 || b == 0x1a:
			s.enter(stateGround)
		case b >= 0x80:
			// Not a CSI byte: the sequence was malformed.
			s.enter(stateGround)
			return s.ground(out, b)
		}

	case stateOSC:
		s.seqLen++
		switch {
		case b == 0x07:
			s.enter(stateGround)
		case b == 0x1b:
			s.state = stateOSCEsc
		case b == 0x18 || b == 0x1a:
			s.enter(stateGround)
		case s.seqLen > maxStringLen:
			s.enter(stateGround)
		}

	case stateOSCEsc, stateStringEsc:
		if b == '\\' {
			s.enter(stateGround)
			return out
		}
		// Not ST: treat the ESC as the start of a new sequence.
		s.enter(stateEscape)
		return s.step(out, b)

	case stateString:
		s.seqLen++
		switch {
		case b == 0x1b:
			s.state = stateStringEsc
		case b == 0x07 || b == 0x18 || b == 0x1a:
			s.enter(stateGround)
		case s.seqLen > maxStringLen:
			s.enter(stateGround)
		}

	case stateCharset:
		s.enter(stateGround)
	}
	return out
}

func (s *Stripper) ground(out []byte, b byte) []byte {
	wasCR := s.lastCR
	s.lastCR = false

	switch {
	case b == 0x1b:
		s.enter(stateEscape)
	case b == '\r':
		s.lastCR = true
		out = append(out, '\n')
	case b == '\n':
		if !wasCR {
			out = append(out, '\n')
		}
	case b == '\t':
		out = append(out, b)
	case b < 0x20 || b == 0x7f:
		// BEL, BS and the rest carry no text.
	default:
		out = append(out, b)
	}
	return out
}

func (s *Stripper) enter(st stripState) {
	s.state = st
	s.seqLen = 0
}

// incompleteRuneStart returns the index where a truncated trailing UTF-8 rune
// begins, or -1 if the buffer ends on a rune boundary.
func incompleteRuneStart(buf []byte) int {
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if buf[i] < utf8.RuneSelf || utf8.FullRune(buf[i:]) {
				return -1
			}
			return i
		}
	}
	return -1
}
