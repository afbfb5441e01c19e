// Package stream turns a session's raw PTY output into clean text, logical
// lines and semantic signals. Detection is heuristic: it may miss or misfire on
// unusual output, but it never fails on malformed input.
package stream

import "strings"

// Result is everything derived from one raw chunk.
type Result struct {
	Raw      []byte
	Clean    string
	Lines    []string // lines completed by this chunk, blanks dropped
	Partial  string   // incomplete trailing line after this chunk
	LastLine string   // last logical line, complete or not
	Signals  Signals
}

// Processor is the per-session pipeline: strip, split, classify.
type Processor struct {
	stripper   *Stripper
	lines      LineSplitter
	classifier *Classifier
	lastLine   string
}

// NewProcessor returns a processor using the given classifier, or the default
// one when c is nil.
func NewProcessor(c *Classifier) *Processor {
	if c == nil {
		c = NewClassifier()
	}
	return &Processor{stripper: NewStripper(), classifier: c}
}

// Process consumes one raw chunk.
func (p *Processor) Process(raw []byte) Result {
	clean := p.stripper.Strip(raw)
	lines := p.lines.Push(clean)
	partial := p.lines.Partial()

	switch {
	case strings.TrimSpace(partial) != "":
		p.lastLine = partial
	case len(lines) > 0:
		p.lastLine = lines[len(lines)-1]
	case strings.Contains(clean, "\n"):
		// Only blank lines arrived: the previous last line is gone.
		p.lastLine = ""
	}

	return Result{
		Raw:      raw,
		Clean:    clean,
		Lines:    lines,
		Partial:  partial,
		LastLine: p.lastLine,
		Signals:  p.classifier.Classify(raw, clean, p.lastLine),
	}
}
