package blocks

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/stream"
)

// feed runs chunks through a processor and segmenter, collecting commits.
func feed(s *Segmenter, p *stream.Processor, chunks ...string) []Block {
	var committed []Block
	for _, c := range chunks {
		if b, ok := s.Feed(p.Process([]byte(c))); ok {
			committed = append(committed, b)
		}
	}
	return committed
}

func TestSegmenter_EchoScenario(t *testing.T) {
	s := NewSegmenter(0)
	p := stream.NewProcessor(nil)

	committed := feed(s, p, "$ ", "echo hi\r\n", "hi\r\n", "$ ")

	require.Len(t, committed, 1)
	assert.Equal(t, "echo hi", committed[0].Command)
	assert.Equal(t, []string{"hi"}, committed[0].Output)
	assert.False(t, committed[0].HasError)
	assert.False(t, committed[0].Timestamp.IsZero())
	assert.Len(t, s.History(), 1)
}

func TestSegmenter_SingleChunkCommand(t *testing.T) {
	s := NewSegmenter(0)
	p := stream.NewProcessor(nil)

	feed(s, p, "bash-5.2$ ")
	committed := feed(s, p, "bash-5.2$ make\r\n\x1b[31mmake: *** No rule\x1b[0m\r\nbash-5.2$ ")

	require.Len(t, committed, 1)
	assert.Equal(t, "make", committed[0].Command)
	assert.Equal(t, []string{"make: *** No rule"}, committed[0].Output)
	assert.True(t, committed[0].HasError)
}

func TestSegmenter_BarePromptDoesNotCommit(t *testing.T) {
	s := NewSegmenter(0)
	p := stream.NewProcessor(nil)

	// Enter on an empty prompt: short text, no command.
	committed := feed(s, p, "$ ", "\r\n$ ")
	assert.Empty(t, committed)

	_, open := s.Open()
	assert.True(t, open)
}

func TestSegmenter_EmptyBlockDiscarded(t *testing.T) {
	s := NewSegmenter(0)
	p := stream.NewProcessor(nil)

	// Enough escape-free text to pass the length threshold, but only prompts.
	committed := feed(s, p, "$ \r\n$ \r\n$ \r\n$ ")
	assert.Empty(t, committed)
	assert.Empty(t, s.History())
}

func TestSegmenter_NeverCommitsEmpty(t *testing.T) {
	s := NewSegmenter(0)
	p := stream.NewProcessor(nil)

	chunks := []string{"$ ", "\r\n", "$ ", "ls\r\n", "a b c\r\n", "$ ", "\x1b[2J", "$ ", "   \r\n$ "}
	for _, b := range feed(s, p, chunks...) {
		assert.False(t, b.Empty())
	}
	for _, b := range s.History() {
		assert.False(t, b.Empty())
	}
}

func TestSegmenter_HistoryCap(t *testing.T) {
	s := NewSegmenter(0)
	p := stream.NewProcessor(nil)

	feed(s, p, "$ ")
	for i := 0; i < DefaultHistoryLimit+7; i++ {
		feed(s, p, fmt.Sprintf("echo %d\r\n%d\r\n$ ", i, i))
		assert.LessOrEqual(t, len(s.History()), DefaultHistoryLimit)
	}

	h := s.History()
	require.Len(t, h, DefaultHistoryLimit)
	assert.Equal(t, "echo 7", h[0].Command)
	assert.Equal(t, fmt.Sprintf("echo %d", DefaultHistoryLimit+6), h[len(h)-1].Command)
}

func TestSegmenter_OpenCopy(t *testing.T) {
	s := NewSegmenter(0)
	p := stream.NewProcessor(nil)

	feed(s, p, "$ ", "tail -f log\r\n", "line 1\r\n")
	b, ok := s.Open()
	require.True(t, ok)
	assert.Equal(t, "tail -f log", b.Command)

	b.Output[0] = "mutated"
	b2, _ := s.Open()
	assert.Equal(t, "line 1", b2.Output[0])
}
