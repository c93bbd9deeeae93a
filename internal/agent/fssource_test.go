package agent

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fustor/fustor/internal/event"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func collect(t *testing.T, it Iterator) []*event.Event {
	t.Helper()
	defer it.Close()
	var out []*event.Event
	for {
		ev, err := it.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func pathsOf(evs []*event.Event) map[string]event.Row {
	out := make(map[string]event.Row)
	for _, ev := range evs {
		for _, row := range ev.Rows {
			out[row.Path()] = row
		}
	}
	return out
}

func TestFSSourceSnapshotWalk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "aa")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "bbb")

	src, err := NewFSSource(root, nil, testLogger())
	require.NoError(t, err)
	defer src.Close()

	it, err := src.SnapshotIterator(context.Background())
	require.NoError(t, err)
	rows := pathsOf(collect(t, it))

	require.Contains(t, rows, filepath.Join(root, "a.txt"))
	require.Contains(t, rows, filepath.Join(root, "sub"))
	require.Contains(t, rows, filepath.Join(root, "sub", "b.txt"))

	a := rows[filepath.Join(root, "a.txt")]
	assert.False(t, a.IsDirectory())
	assert.Equal(t, int64(2), a.Size())
	assert.Greater(t, a.ModifiedTime(), 0.0)

	sub := rows[filepath.Join(root, "sub")]
	assert.True(t, sub.IsDirectory())
}

func TestFSSourceScanIterator(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "top.txt"), "x")
	writeFile(t, filepath.Join(root, "sub", "deep.txt"), "y")

	src, err := NewFSSource(root, nil, testLogger())
	require.NoError(t, err)
	defer src.Close()

	// non-recursive: the subtree stays out
	it, err := src.ScanIterator(context.Background(), root, false)
	require.NoError(t, err)
	rows := pathsOf(collect(t, it))
	assert.Contains(t, rows, filepath.Join(root, "top.txt"))
	assert.NotContains(t, rows, filepath.Join(root, "sub", "deep.txt"))

	// unknown path errors instead of emitting nothing
	_, err = src.ScanIterator(context.Background(), filepath.Join(root, "missing"), true)
	assert.Error(t, err)
}

func TestFSSourceAuditCarriesParentMtime(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sub", "c.txt"), "c")

	src, err := NewFSSource(root, nil, testLogger())
	require.NoError(t, err)
	defer src.Close()

	it, err := src.AuditIterator(context.Background())
	require.NoError(t, err)
	evs := collect(t, it)
	for _, ev := range evs {
		assert.Equal(t, event.SourceAudit, ev.Source)
	}
	rows := pathsOf(evs)
	c := rows[filepath.Join(root, "sub", "c.txt")]
	require.NotNil(t, c)
	pm, ok := c.ParentMtime()
	assert.True(t, ok)
	assert.Greater(t, pm, 0.0)
}

func TestFSSourceSentinelCheck(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "live.txt"), "data")

	src, err := NewFSSource(root, nil, testLogger())
	require.NoError(t, err)
	defer src.Close()

	updates, err := src.PerformSentinelCheck(context.Background(), map[string]float64{
		filepath.Join(root, "live.txt"): 1,
		filepath.Join(root, "gone.txt"): 2,
	})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, filepath.Join(root, "live.txt"), updates[0].Path)
	require.NotNil(t, updates[0].Size)
	assert.Equal(t, int64(4), *updates[0].Size)
}

func TestFSSourceWatchSeesNewFile(t *testing.T) {
	root := t.TempDir()

	src, err := NewFSSource(root, nil, testLogger())
	require.NoError(t, err)
	defer src.Close()

	it, err := src.MessageIterator(context.Background(), 0)
	require.NoError(t, err)
	defer it.Close()

	got := make(chan *event.Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			ev, err := it.Next(ctx)
			if err != nil {
				return
			}
			got <- ev
		}
	}()

	time.Sleep(50 * time.Millisecond)
	writeFile(t, filepath.Join(root, "fresh.txt"), "hello")

	require.Eventually(t, func() bool {
		select {
		case ev := <-got:
			return ev.Source == event.SourceRealtime &&
				ev.Rows[0].Path() == filepath.Join(root, "fresh.txt")
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond, "watcher missed the new file")
}
