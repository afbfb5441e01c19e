package stream

import "strings"

// LineSplitter turns stripped text into logical lines. The trailing fragment
// of a chunk that has not seen its newline yet is held until it completes.
type LineSplitter struct {
	partial strings.Builder
}

// Push appends text and returns the lines it completed. Blank lines are
// dropped and trailing whitespace is trimmed.
func (l *LineSplitter) Push(text string) []string {
	var lines []string
	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			break
		}
		l.partial.WriteString(text[:i])
		if line := strings.TrimRight(l.partial.String(), " \t"); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
		l.partial.Reset()
		text = text[i+1:]
	}
	l.partial.WriteString(text)
	return lines
}

// Partial returns the current incomplete line.
func (l *LineSplitter) Partial() string {
	return l.partial.String()
}

// SplitLines is the stateless form used for one-shot text: every non-blank
// line, including an unterminated last one.
func SplitLines(text string) []string {
	var ls LineSplitter
	lines := ls.Push(text)
	if rest := strings.TrimRight(ls.Partial(), " \t"); strings.TrimSpace(rest) != "" {
		lines = append(lines, rest)
	}
	return lines
}
