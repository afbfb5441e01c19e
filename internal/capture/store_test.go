package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/metrics"
)

func TestStore_AppendAndRead(t *testing.T) {
	s := NewStore(t.TempDir(), 3, nil, nil)

	s.Append("s1", []string{"a", "b"}, "$ ")
	s.Append("s1", []string{"c", "d"}, "")

	out := s.ReadOutput("s1")
	assert.Equal(t, []string{"b", "c", "d"}, out.Lines)
	assert.Equal(t, 3, out.Count)
	assert.Equal(t, "", out.Partial)
}

func TestStore_ReadUnknown(t *testing.T) {
	s := NewStore(t.TempDir(), 0, nil, nil)
	out := s.ReadOutput("nope")
	assert.Empty(t, out.Lines)
	assert.Equal(t, 0, out.Count)
}

func TestStore_FlushWritesLog(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 10, nil, nil)

	s.Append("s1", []string{"echo hi", "hi"}, "$ ")
	require.NoError(t, s.Flush("s1"))

	data, err := os.ReadFile(filepath.Join(dir, "s1.log"))
	require.NoError(t, err)
	assert.Equal(t, "echo hi\nhi\n$\n", string(data))
}

func TestStore_FlushUnknownIsNoop(t *testing.T) {
	s := NewStore(t.TempDir(), 10, nil, nil)
	assert.NoError(t, s.Flush("missing"))
}

func TestStore_PathSanitized(t *testing.T) {
	s := NewStore("/data", 10, nil, nil)
	assert.Equal(t, "/data/a_b_c.log", s.Path("a/b c"))
	assert.Equal(t, "/data/_...log", s.Path(".."))
}

func TestStore_FlushErrorRetried(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "output")
	// A regular file where the directory should be makes every write fail.
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o644))

	m := metrics.New()
	s := NewStore(dir, 10, nil, m)
	s.Append("s1", []string{"line"}, "")

	err := s.flushDirty()
	var ferr *FlushError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, "s1", ferr.SessionID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlushFailures))

	// Still dirty, so the next tick retries once the disk recovers.
	require.NoError(t, os.Remove(dir))
	require.NoError(t, s.flushDirty())

	data, err := os.ReadFile(filepath.Join(dir, "s1.log"))
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))
}

func TestStore_FlushDirtySkipsClean(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 10, nil, nil)
	s.Append("s1", []string{"one"}, "")
	require.NoError(t, s.flushDirty())

	path := filepath.Join(dir, "s1.log")
	require.NoError(t, os.Remove(path))
	require.NoError(t, s.flushDirty())
	assert.NoFileExists(t, path)
}

func TestStore_ConcurrentFlushKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 1000, nil, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if w%2 == 0 {
					_ = s.Flush("s1")
				} else {
					_ = s.flushDirty()
				}
			}
		}(w)
	}
	for i := 0; i < 300; i++ {
		s.Append("s1", []string{fmt.Sprintf("line-%d", i)}, "")
	}
	close(stop)
	wg.Wait()

	// Only a still-dirty buffer is rewritten, so disk must already hold the
	// newest snapshot unless the buffer says otherwise.
	require.NoError(t, s.flushDirty())

	out := s.ReadOutput("s1")
	require.Equal(t, 300, out.Count)
	data, err := os.ReadFile(filepath.Join(dir, "s1.log"))
	require.NoError(t, err)
	assert.Equal(t, strings.Join(out.Lines, "\n")+"\n", string(data))
}

func TestStore_Discard(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 10, nil, nil)
	s.Append("s1", []string{"last words"}, "")

	require.NoError(t, s.Discard("s1"))
	assert.FileExists(t, filepath.Join(dir, "s1.log"))
	assert.Equal(t, 0, s.ReadOutput("s1").Count)
}

func TestStore_RunFlushesPeriodically(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 10, nil, nil)
	s.Append("s1", []string{"tick"}, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 20*time.Millisecond)
		close(done)
	}()

	path := filepath.Join(dir, "s1.log")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	s.Append("s1", []string{"final"}, "")
	cancel()
	<-done

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tick\nfinal\n", string(data))
}
