package agent

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fustor/fustor/internal/clock"
	"github.com/fustor/fustor/internal/event"
	"github.com/fustor/fustor/internal/protocol"
)

// FSSource observes a directory tree. Snapshot and audit are full walks;
// realtime comes from a recursive fsnotify watch. The fs source keeps no
// history, so a message iterator always starts at the present regardless
// of the requested position; a stale position surfaces as a snapshot
// restart on the fusion side, which is the intended recovery.
type FSSource struct {
	root string
	clk  *clock.Clock
	log  *slog.Logger
}

// NewFSSource builds a source rooted at root.
func NewFSSource(root string, clk *clock.Clock, log *slog.Logger) (*FSSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root %s is not a directory", abs)
	}
	if clk == nil {
		clk = clock.New(0)
	}
	if log == nil {
		log = slog.Default()
	}
	return &FSSource{root: abs, clk: clk, log: log.With("source", abs)}, nil
}

func (s *FSSource) Close() error { return nil }

func (s *FSSource) row(path string, info fs.FileInfo, withParentMtime bool) event.Row {
	r := event.Row{
		event.FieldPath:          path,
		event.FieldFileName:      filepath.Base(path),
		event.FieldModifiedTime:  float64(info.ModTime().UnixNano()) / float64(time.Second),
		event.FieldSize:          info.Size(),
		event.FieldIsDirectory:   info.IsDir(),
		event.FieldParentPath:    filepath.Dir(path),
		event.FieldIsAtomicWrite: true,
	}
	if withParentMtime {
		if pinfo, err := os.Stat(filepath.Dir(path)); err == nil {
			r[event.FieldParentMtime] = float64(pinfo.ModTime().UnixNano()) / float64(time.Second)
		}
	}
	return r
}

func (s *FSSource) makeEvent(t event.Type, src event.Source, rows ...event.Row) *event.Event {
	return &event.Event{
		Type:   t,
		Schema: "fs",
		Table:  "files",
		Fields: []string{
			event.FieldPath, event.FieldFileName, event.FieldModifiedTime,
			event.FieldSize, event.FieldIsDirectory, event.FieldParentPath,
		},
		Rows:   rows,
		Source: src,
		Index:  int64(s.clk.Now() * 1000),
	}
}

// walkIterator streams a directory walk through a channel so the walk
// stays lazy; I/O happens as the consumer pulls.
type walkIterator struct {
	ch     chan *event.Event
	errCh  chan error
	cancel context.CancelFunc
}

func (w *walkIterator) Next(ctx context.Context) (*event.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-w.errCh:
		return nil, err
	case ev, ok := <-w.ch:
		if !ok {
			// The walk error, if any, is queued before the channel closes.
			select {
			case err := <-w.errCh:
				return nil, err
			default:
				return nil, io.EOF
			}
		}
		return ev, nil
	}
}

func (w *walkIterator) Close() error {
	w.cancel()
	return nil
}

func (s *FSSource) walk(ctx context.Context, root string, recursive bool, src event.Source, withParentMtime bool) Iterator {
	wctx, cancel := context.WithCancel(ctx)
	it := &walkIterator{
		ch:     make(chan *event.Event),
		errCh:  make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		defer close(it.ch)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Races with deletion are expected during a live walk.
				s.log.Debug("walk entry skipped", "path", path, "error", err)
				return nil
			}
			if wctx.Err() != nil {
				return wctx.Err()
			}
			if !recursive && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			info, statErr := d.Info()
			if statErr != nil {
				return nil
			}
			row := s.row(path, info, withParentMtime)
			select {
			case it.ch <- s.makeEvent(event.TypeInsert, src, row):
				return nil
			case <-wctx.Done():
				return wctx.Err()
			}
		})
		if err != nil && wctx.Err() == nil {
			it.errCh <- err
		}
	}()
	return it
}

// SnapshotIterator walks the whole tree as SNAPSHOT rows.
func (s *FSSource) SnapshotIterator(ctx context.Context) (Iterator, error) {
	return s.walk(ctx, s.root, true, event.SourceSnapshot, false), nil
}

// AuditIterator re-walks the tree as AUDIT rows carrying parent_mtime.
func (s *FSSource) AuditIterator(ctx context.Context) (Iterator, error) {
	return s.walk(ctx, s.root, true, event.SourceAudit, true), nil
}

// ScanIterator walks one subtree for an on-demand scan. Rows use snapshot
// semantics so they never override fresher realtime data.
func (s *FSSource) ScanIterator(ctx context.Context, path string, recursive bool) (Iterator, error) {
	if path == "" {
		path = s.root
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("scan path: %w", err)
	}
	return s.walk(ctx, path, recursive, event.SourceSnapshot, false), nil
}

// watchIterator adapts a recursive fsnotify watch to the Iterator shape.
type watchIterator struct {
	src     *FSSource
	watcher *fsnotify.Watcher
}

// MessageIterator follows live changes. New directories are added to the
// watch as they appear, in the manner of recursive watch shims over
// inotify.
func (s *FSSource) MessageIterator(ctx context.Context, _ int64) (Iterator, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch setup: %w", err)
	}
	return &watchIterator{src: s, watcher: watcher}, nil
}

func (w *watchIterator) Next(ctx context.Context) (*event.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil, io.EOF
			}
			return nil, err
		case fe, ok := <-w.watcher.Events:
			if !ok {
				return nil, io.EOF
			}
			if ev := w.translate(fe); ev != nil {
				return ev, nil
			}
		}
	}
}

// translate maps one fsnotify op to a wire event, or nil for ops we do not
// propagate (Chmod).
func (w *watchIterator) translate(fe fsnotify.Event) *event.Event {
	s := w.src
	switch {
	case fe.Op.Has(fsnotify.Remove) || fe.Op.Has(fsnotify.Rename):
		row := event.Row{
			event.FieldPath:       fe.Name,
			event.FieldParentPath: filepath.Dir(fe.Name),
		}
		return s.makeEvent(event.TypeDelete, event.SourceRealtime, row)
	case fe.Op.Has(fsnotify.Create), fe.Op.Has(fsnotify.Write):
		info, err := os.Stat(fe.Name)
		if err != nil {
			return nil // gone again already
		}
		if fe.Op.Has(fsnotify.Create) && info.IsDir() {
			_ = w.watcher.Add(fe.Name)
		}
		row := s.row(fe.Name, info, false)
		// A bare Write is a partial modify; the file may still be open.
		row[event.FieldIsAtomicWrite] = !fe.Op.Has(fsnotify.Write) || fe.Op.Has(fsnotify.Create)
		t := event.TypeUpdate
		if fe.Op.Has(fsnotify.Create) {
			t = event.TypeInsert
		}
		ev := s.makeEvent(t, event.SourceRealtime, row)
		s.clk.Update(row.ModifiedTime(), true)
		return ev
	default:
		return nil
	}
}

func (w *watchIterator) Close() error { return w.watcher.Close() }

// PerformSentinelCheck re-stats the suspect paths and reports what is
// actually on disk. Paths that vanished are omitted; the realtime delete
// covers those.
func (s *FSSource) PerformSentinelCheck(ctx context.Context, tasks map[string]float64) ([]protocol.SentinelUpdate, error) {
	updates := make([]protocol.SentinelUpdate, 0, len(tasks))
	for path := range tasks {
		if ctx.Err() != nil {
			return updates, ctx.Err()
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		size := info.Size()
		updates = append(updates, protocol.SentinelUpdate{
			Path:  path,
			Mtime: float64(info.ModTime().UnixNano()) / float64(time.Second),
			Size:  &size,
		})
	}
	return updates, nil
}
