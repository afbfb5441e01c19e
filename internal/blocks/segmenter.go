// Package blocks groups a session's output into command blocks: the command
// line the user ran and the output it produced, delimited by shell prompts.
//
// Boundaries come only from the prompt heuristic in package stream. Multi-line
// prompts, custom prompt themes, or programs that print prompt-like trailing
// text will split or merge blocks; this is an approximation, not a parser.
package blocks

import (
	"strings"
	"sync"
	"time"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/stream"
)

const (
	DefaultHistoryLimit = 50
	// DefaultMinLength is how much clean text must accumulate before a prompt
	// may close a block, so a bare prompt echo does not close one.
	DefaultMinLength = 5
)

// Block is one command execution record.
type Block struct {
	Command   string    `json:"command"`
	Output    []string  `json:"output"`
	Timestamp time.Time `json:"timestamp"`
	HasError  bool      `json:"hasError"`
}

// Empty reports whether the block carries neither a command nor output.
func (b *Block) Empty() bool {
	return b.Command == "" && len(b.Output) == 0
}

// Segmenter is the per-session block state machine. Feed is called by the
// single goroutine that reads the session's output; History and Open may be
// called from anywhere.
type Segmenter struct {
	mu          sync.Mutex
	open        *Block
	accumulated int
	promptText  string
	history     []Block
	limit       int
	minLength   int
	now         func() time.Time
}

// NewSegmenter returns a segmenter keeping at most limit committed blocks.
// A non-positive limit selects DefaultHistoryLimit.
func NewSegmenter(limit int) *Segmenter {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Segmenter{limit: limit, minLength: DefaultMinLength, now: time.Now}
}

// Feed consumes one processed chunk. It returns the committed block when the
// chunk closed a non-empty one.
func (s *Segmenter) Feed(res stream.Result) (Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open == nil {
		s.open = &Block{Timestamp: s.now()}
		s.accumulated = 0
	}
	s.accumulated += len(res.Clean)

	// Learn the prompt first so a prompt echoed earlier in this same chunk is
	// recognized as one.
	if res.Signals.Prompt && strings.TrimSpace(res.Partial) != "" {
		s.promptText = strings.TrimSpace(res.Partial)
	}

	for _, line := range res.Lines {
		s.addLine(line)
	}
	if res.Signals.Error {
		s.open.HasError = true
	}

	if !res.Signals.Prompt || s.accumulated <= s.minLength {
		return Block{}, false
	}
	return s.commit()
}

func (s *Segmenter) addLine(line string) {
	if s.open.Command != "" {
		s.open.Output = append(s.open.Output, line)
		return
	}
	cmd := line
	if s.promptText != "" && strings.HasPrefix(cmd, s.promptText) {
		cmd = strings.TrimPrefix(cmd, s.promptText)
	}
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		// A prompt with nothing typed after it.
		return
	}
	s.open.Command = cmd
}

func (s *Segmenter) commit() (Block, bool) {
	b := *s.open
	s.open = nil
	s.accumulated = 0

	if b.Empty() {
		return Block{}, false
	}
	s.history = append(s.history, b)
	if over := len(s.history) - s.limit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	return b, true
}

// History returns a copy of the committed blocks, oldest first.
func (s *Segmenter) History() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Block, len(s.history))
	copy(out, s.history)
	return out
}

// Open returns a copy of the block currently accumulating, if any.
func (s *Segmenter) Open() (Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open == nil {
		return Block{}, false
	}
	b := *s.open
	b.Output = append([]string(nil), s.open.Output...)
	return b, true
}
