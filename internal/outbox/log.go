// Package outbox provides the durable FIFO of activity packages waiting to
// be delivered, and the single-flight queue that drains it.
package outbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/golang/snappy"
	"github.com/natefinch/atomic"
	"github.com/spaolacci/murmur3"

	beaconerrors "github.com/beacon-sdk/beacon/internal/errors"
	"github.com/beacon-sdk/beacon/pkg/types"
)

// LogFileName is the name of the log inside the outbox directory.
const LogFileName = "outbox.log"

const (
	frameHeaderSize = 8
	maxFrameSize    = 16 << 20
)

// Op is the kind of a log record.
type Op string

const (
	// OpPut appends a package to the tail.
	OpPut Op = "put"
	// OpAck removes a package that left the queue.
	OpAck Op = "ack"
)

// Record is a single log entry.
type Record struct {
	Seq     uint64                 `json:"seq"`
	Op      Op                     `json:"op"`
	ID      string                 `json:"id"`
	Package *types.ActivityPackage `json:"package,omitempty"`
}

// Log is an append-only file of put and ack records. Replaying it yields
// the packages that were put and never acknowledged, in order.
//
// Each record is framed as [length:4][murmur3:4][snappy(json)], little
// endian, and fsynced before Append returns.
type Log struct {
	path   string
	file   *os.File
	seq    uint64
	acked  int
	logger slog.Logger
	mu     sync.Mutex
}

// OpenLog opens the log in dir, replays it and returns the pending
// packages. A log that cannot be read at all is moved aside and replaced by
// an empty one.
func OpenLog(ctx context.Context, dir string, logger slog.Logger) (*Log, []*types.ActivityPackage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}

	l := &Log{
		path:   filepath.Join(dir, LogFileName),
		logger: logger,
	}

	pending, err := l.replay(ctx)
	if err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", l.path, time.Now().Unix())
		logger.Error(ctx, "outbox log unreadable, starting empty",
			slog.F("path", l.path), slog.F("moved_to", aside), slog.Error(err))
		if rerr := os.Rename(l.path, aside); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return nil, nil, beaconerrors.NewPersistenceError(beaconerrors.CodeQueueCorrupt, "failed to move corrupt outbox log", rerr)
		}
		pending = nil
	}

	if err := l.openFile(); err != nil {
		return nil, nil, err
	}
	return l, pending, nil
}

// replay reads every record, truncates a torn tail and rebuilds the
// pending list.
func (l *Log) replay(ctx context.Context) ([]*types.ActivityPackage, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		pending []*types.ActivityPackage
		index   = make(map[string]int)
		good    int64
		offset  int64
		r       = bufio.NewReader(f)
	)

	remove := func(id string) {
		i, ok := index[id]
		if !ok {
			return
		}
		pending = append(pending[:i], pending[i+1:]...)
		delete(index, id)
		for j := i; j < len(pending); j++ {
			index[pending[j].ID] = j
		}
	}

	for {
		rec, n, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errTornFrame) {
			l.logger.Warn(ctx, "outbox log has a torn tail, truncating",
				slog.F("offset", good), slog.Error(err))
			break
		}
		offset += n
		if err != nil {
			l.logger.Warn(ctx, "skipping unreadable outbox record",
				slog.F("offset", offset-n), slog.Error(err))
			good = offset
			continue
		}
		good = offset

		if rec.Seq > l.seq {
			l.seq = rec.Seq
		}
		switch rec.Op {
		case OpPut:
			if rec.Package == nil {
				continue
			}
			if _, dup := index[rec.ID]; dup {
				continue
			}
			index[rec.ID] = len(pending)
			pending = append(pending, rec.Package)
		case OpAck:
			remove(rec.ID)
			l.acked++
		}
	}

	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := os.Truncate(l.path, good); err != nil {
		return nil, err
	}
	return pending, nil
}

func (l *Log) openFile() error {
	file, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return beaconerrors.NewPersistenceError(beaconerrors.CodeQueueWrite, "failed to open outbox log", err)
	}
	l.file = file
	return nil
}

// Put appends a put record for pkg.
func (l *Log) Put(pkg *types.ActivityPackage) error {
	return l.append(&Record{Op: OpPut, ID: pkg.ID, Package: pkg})
}

// Ack appends an ack record for id.
func (l *Log) Ack(id string) error {
	if err := l.append(&Record{Op: OpAck, ID: id}); err != nil {
		return err
	}
	l.mu.Lock()
	l.acked++
	l.mu.Unlock()
	return nil
}

// Acked returns the number of ack records since the last compaction.
func (l *Log) Acked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acked
}

func (l *Log) append(rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}

	l.seq++
	rec.Seq = l.seq

	frame, err := encodeFrame(rec)
	if err != nil {
		return beaconerrors.NewEncodingError("failed to encode outbox record", err)
	}
	if _, err := l.file.Write(frame); err != nil {
		return beaconerrors.NewPersistenceError(beaconerrors.CodeQueueWrite, "failed to write outbox record", err)
	}
	if err := l.file.Sync(); err != nil {
		return beaconerrors.NewPersistenceError(beaconerrors.CodeQueueWrite, "failed to fsync outbox log", err)
	}
	return nil
}

// Compact rewrites the log so it holds exactly one put record per pending
// package. The new file replaces the old one atomically.
func (l *Log) Compact(pending []*types.ActivityPackage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}

	var buf bytes.Buffer
	seq := l.seq
	for _, pkg := range pending {
		seq++
		frame, err := encodeFrame(&Record{Seq: seq, Op: OpPut, ID: pkg.ID, Package: pkg})
		if err != nil {
			return beaconerrors.NewEncodingError("failed to encode outbox record", err)
		}
		buf.Write(frame)
	}

	if err := atomic.WriteFile(l.path, &buf); err != nil {
		return beaconerrors.NewPersistenceError(beaconerrors.CodeQueueWrite, "failed to compact outbox log", err)
	}

	// The old descriptor points at the replaced inode.
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close outbox log: %w", err)
	}
	l.file = nil
	if err := l.openFile(); err != nil {
		return err
	}
	l.seq = seq
	l.acked = 0
	return nil
}

// Close fsyncs and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to fsync on close: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close outbox log: %w", err)
	}
	l.file = nil
	return nil
}

var errTornFrame = errors.New("torn frame")

func encodeFrame(rec *Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	compressed := snappy.Encode(nil, payload)

	frame := make([]byte, frameHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(frame[4:8], murmur3.Sum32(compressed))
	copy(frame[frameHeaderSize:], compressed)
	return frame, nil
}

// readFrame reads one frame. It returns io.EOF at a clean end,
// errTornFrame when the file ends inside a frame or the length is
// implausible, and any other error for a frame that was read completely but
// is damaged.
func readFrame(r io.Reader) (*Record, int64, error) {
	var header [frameHeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if errors.Is(err, io.EOF) {
		return nil, 0, io.EOF
	}
	if err != nil {
		return nil, int64(n), fmt.Errorf("%w: %v", errTornFrame, err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	if length > maxFrameSize {
		return nil, frameHeaderSize, fmt.Errorf("%w: length %d", errTornFrame, length)
	}

	compressed := make([]byte, length)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, frameHeaderSize, fmt.Errorf("%w: %v", errTornFrame, err)
	}
	size := int64(frameHeaderSize) + int64(length)

	if got := murmur3.Sum32(compressed); got != sum {
		return nil, size, fmt.Errorf("checksum mismatch: %08x != %08x", got, sum)
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, size, fmt.Errorf("decompress: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, size, fmt.Errorf("decode: %w", err)
	}
	return &rec, size, nil
}
