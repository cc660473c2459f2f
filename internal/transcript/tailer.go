package transcript

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"
)

// readChunkSize bounds a single read so a large backlog is consumed in
// pieces.
const readChunkSize = 64 * 1024

// Handler consumes one complete line. Returning an error leaves the
// group's offset in place so the line is retried on the next poll.
type Handler func(line []byte) error

// OffsetSink persists per-group read positions between runs. The JSON
// OffsetStore implements it; so does the lifecycle database.
type OffsetSink interface {
	Get(file, group string) (GroupOffset, bool)
	Set(file, group string, off GroupOffset)
	Flush() error
}

type group struct {
	name    string
	handler Handler
	inode   uint64
	offset  int64
}

// Tailer incrementally reads one JSONL file for any number of consumer
// groups. Each group advances independently; a failing group does not
// block the others.
type Tailer struct {
	path     string
	store    OffsetSink
	interval time.Duration

	mu     sync.Mutex
	groups map[string]*group

	cancel context.CancelFunc
	donec  chan struct{}
}

// NewTailer creates a tailer for path. store may be nil for in-memory
// offsets only; interval <= 0 defaults to 500ms.
func NewTailer(path string, store OffsetSink, interval time.Duration) *Tailer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Tailer{
		path:     path,
		store:    store,
		interval: interval,
		groups:   make(map[string]*group),
	}
}

// Register adds a consumer group, resuming from its stored offset when
// the offset store knows it.
func (t *Tailer) Register(name string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := &group{name: name, handler: h}
	if t.store != nil {
		if off, ok := t.store.Get(t.path, name); ok {
			g.inode = off.Inode
			g.offset = off.Offset
		}
	}
	t.groups[name] = g
}

// Start runs the poll loop until ctx is done.
func (t *Tailer) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.donec = make(chan struct{})
	go func() {
		defer close(t.donec)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.Poll(); err != nil {
					slog.Warn("transcript poll failed", "path", t.path, "error", err)
				}
			}
		}
	}()
}

// Stop halts the poll loop started by Start.
func (t *Tailer) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.donec
	}
}

// CanRotate reports whether every registered group has consumed the file
// up to its current size. Rotation itself is the caller's responsibility.
func (t *Tailer) CanRotate() bool {
	fi, err := os.Stat(t.path)
	if err != nil {
		return true
	}
	size := fi.Size()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range t.groups {
		if g.offset < size {
			return false
		}
	}
	return true
}

// Poll performs one tail pass: detect rotation, read new complete lines,
// fan them out to each group, persist offsets.
func (t *Tailer) Poll() error {
	fi, err := os.Stat(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", t.path, err)
	}
	inode := fileInode(fi)
	size := fi.Size()

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.groups) == 0 {
		return nil
	}

	minOffset := int64(-1)
	for _, g := range t.groups {
		if g.inode != 0 && inode != 0 && g.inode != inode {
			slog.Info("transcript rotated, resetting offset",
				"path", t.path, "group", g.name, "old_inode", g.inode, "new_inode", inode)
			g.offset = 0
		} else if g.offset > size {
			slog.Warn("transcript truncated, resetting offset",
				"path", t.path, "group", g.name, "offset", g.offset, "size", size)
			g.offset = 0
		}
		g.inode = inode
		if minOffset < 0 || g.offset < minOffset {
			minOffset = g.offset
		}
	}
	if minOffset >= size {
		t.persistLocked()
		return nil
	}

	lines, err := readLines(t.path, minOffset, size)
	if err != nil {
		return err
	}

	for _, g := range t.groups {
		for _, ln := range lines {
			if ln.start < g.offset {
				continue
			}
			if err := g.handler(ln.data); err != nil {
				slog.Warn("transcript line handler failed, will retry",
					"path", t.path, "group", g.name, "offset", ln.start, "error", err)
				break
			}
			g.offset = ln.end
		}
	}

	t.persistLocked()
	return nil
}

func (t *Tailer) persistLocked() {
	if t.store == nil {
		return
	}
	for _, g := range t.groups {
		t.store.Set(t.path, g.name, GroupOffset{Inode: g.inode, Offset: g.offset})
	}
	if err := t.store.Flush(); err != nil {
		slog.Warn("offset store flush failed", "error", err)
	}
}

type lineSpan struct {
	start int64
	end   int64
	data  []byte
}

// readLines reads [from, limit) in chunks and splits complete lines,
// dropping a trailing partial line.
func readLines(path string, from, limit int64) ([]lineSpan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}

	var (
		lines  []lineSpan
		carry  []byte
		pos    = from
		lineAt = from
		chunk  = make([]byte, readChunkSize)
		remain = limit - from
	)
	for remain > 0 {
		n := int64(len(chunk))
		if remain < n {
			n = remain
		}
		read, err := io.ReadFull(f, chunk[:n])
		if read > 0 {
			buf := chunk[:read]
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					carry = append(carry, buf...)
					pos += int64(len(buf))
					break
				}
				data := make([]byte, 0, len(carry)+idx)
				data = append(data, carry...)
				data = append(data, buf[:idx]...)
				carry = carry[:0]
				pos += int64(idx) + 1
				lines = append(lines, lineSpan{start: lineAt, end: pos, data: data})
				lineAt = pos
				buf = buf[idx+1:]
			}
			remain -= int64(read)
		}
		if err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return lines, nil
}

func fileInode(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
