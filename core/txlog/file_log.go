package txlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sushant-115/gojotx/core/transaction"
	"go.uber.org/zap"
)

const (
	segmentPrefix = "txlog_"
	segmentSuffix = ".log"

	// frame: [payload length uint32][crc32 of lsn+payload uint32][lsn uint64][payload]
	frameHeaderSize = 16
	maxPayloadSize  = 1 << 20

	DefaultBufferSize    = 64 << 10
	DefaultSegmentSize   = 16 << 20
	DefaultFlushInterval = 100 * time.Millisecond
)

// errTornFrame marks a frame that was only partially written or fails its checksum.
var errTornFrame = errors.New("torn log frame")

// FileLogOptions tune a FileLog. Zero values select the defaults.
type FileLogOptions struct {
	BufferSize    int
	SegmentSize   int64
	FlushInterval time.Duration
	Sealer        Sealer
}

type segment struct {
	id    uint64
	path  string
	txids map[transaction.Xid]struct{}
}

// FileLog is a segmented append-only Log on the local file system.
// Decision entries are fsynced before Append returns. FORGOTTEN markers are
// buffered and written by a background flusher.
type FileLog struct {
	dir    string
	opts   FileLogOptions
	logger *zap.Logger

	mu            sync.Mutex
	file          *os.File   // active segment, always segments[len(segments)-1]
	segments      []*segment // oldest first
	segmentOffset int64      // bytes in the active segment, written or buffered
	nextLSN       LSN
	buffer        *bytes.Buffer
	forgotten     map[transaction.Xid]struct{}
	failed        error // sticky I/O failure; no further appends are accepted
	closed        bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

var _ Log = (*FileLog)(nil)

// OpenFileLog opens or creates the log in dir. A torn frame at the end of the
// newest segment, left by a crash mid-write, is truncated away.
func OpenFileLog(dir string, logger *zap.Logger, opts FileLogOptions) (*FileLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	l := &FileLog{
		dir:       dir,
		opts:      opts,
		logger:    logger.With(zap.String("component", "txlog"), zap.String("dir", dir)),
		nextLSN:   1,
		buffer:    bytes.NewBuffer(make([]byte, 0, opts.BufferSize)),
		forgotten: make(map[transaction.Xid]struct{}),
		stopChan:  make(chan struct{}),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	l.collectLocked()

	l.wg.Add(1)
	go l.flusher()

	l.logger.Info("Transaction log opened",
		zap.Int("segments", len(l.segments)),
		zap.Uint64("next_lsn", uint64(l.nextLSN)),
		zap.Bool("encrypted", opts.Sealer != nil))
	return l, nil
}

func (l *FileLog) segmentPath(id uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%05d%s", segmentPrefix, id, segmentSuffix))
}

// listSegments returns the ids of the segment files in dir, ascending.
func (l *FileLog) listSegments() ([]uint64, error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory %s: %w", l.dir, err)
	}
	var ids []uint64
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// load scans existing segments, rebuilds the in-memory index and opens the
// newest segment for appending.
func (l *FileLog) load() error {
	ids, err := l.listSegments()
	if err != nil {
		return err
	}

	var activeSize int64
	for i, id := range ids {
		seg := &segment{id: id, path: l.segmentPath(id), txids: make(map[transaction.Xid]struct{})}
		entries, good, err := l.readSegment(seg.path)
		last := i == len(ids)-1
		if err != nil {
			if !last || !errors.Is(err, errTornFrame) {
				return fmt.Errorf("failed to read log segment %s: %w", seg.path, err)
			}
			l.logger.Warn("Truncating torn tail of log segment",
				zap.String("segment", seg.path), zap.Int64("offset", good), zap.Error(err))
			if err := os.Truncate(seg.path, good); err != nil {
				return fmt.Errorf("failed to truncate log segment %s: %w", seg.path, err)
			}
		}
		for _, e := range entries {
			seg.txids[e.TxID] = struct{}{}
			if e.Phase == PhaseForgotten {
				l.forgotten[e.TxID] = struct{}{}
			}
			if e.LSN >= l.nextLSN {
				l.nextLSN = e.LSN + 1
			}
		}
		l.segments = append(l.segments, seg)
		activeSize = good
	}

	if len(l.segments) == 0 {
		l.segments = append(l.segments, &segment{id: 1, path: l.segmentPath(1), txids: make(map[transaction.Xid]struct{})})
		activeSize = 0
	}
	active := l.segments[len(l.segments)-1]
	f, err := os.OpenFile(active.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", active.path, err)
	}
	l.file = f
	l.segmentOffset = activeSize
	return nil
}

// readSegment decodes every frame of a segment. On error it also returns the
// entries before the bad frame and the offset where the bad frame starts.
func (l *FileLog) readSegment(path string) ([]Entry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var (
		entries []Entry
		offset  int64
		header  [frameHeaderSize]byte
	)
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, offset, nil
			}
			return entries, offset, fmt.Errorf("%w: short header: %v", errTornFrame, err)
		}
		size := binary.LittleEndian.Uint32(header[0:4])
		sum := binary.LittleEndian.Uint32(header[4:8])
		if size == 0 || size > maxPayloadSize {
			return entries, offset, fmt.Errorf("%w: implausible payload size %d", errTornFrame, size)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return entries, offset, fmt.Errorf("%w: short payload: %v", errTornFrame, err)
		}
		crc := crc32.NewIEEE()
		crc.Write(header[8:16])
		crc.Write(payload)
		if crc.Sum32() != sum {
			return entries, offset, fmt.Errorf("%w: checksum mismatch", errTornFrame)
		}

		e, err := l.decodeFrame(header[8:16], payload)
		if err != nil {
			return entries, offset, err
		}
		entries = append(entries, e)
		offset += int64(frameHeaderSize) + int64(size)
	}
}

func (l *FileLog) decodeFrame(lsnBytes, payload []byte) (Entry, error) {
	if l.opts.Sealer != nil {
		plain, err := l.opts.Sealer.Open(payload, lsnBytes)
		if err != nil {
			return Entry{}, fmt.Errorf("failed to open sealed entry: %w", err)
		}
		payload = plain
	}
	e, err := UnmarshalEntry(payload)
	if err != nil {
		return Entry{}, err
	}
	if lsn := LSN(binary.LittleEndian.Uint64(lsnBytes)); e.LSN != lsn {
		return Entry{}, fmt.Errorf("entry LSN %d does not match frame LSN %d", e.LSN, lsn)
	}
	return e, nil
}

func (l *FileLog) encodeFrame(e *Entry) ([]byte, error) {
	var lsnBytes [8]byte
	binary.LittleEndian.PutUint64(lsnBytes[:], uint64(e.LSN))

	payload := e.Marshal()
	if l.opts.Sealer != nil {
		sealed, err := l.opts.Sealer.Seal(payload, lsnBytes[:])
		if err != nil {
			return nil, fmt.Errorf("failed to seal entry: %w", err)
		}
		payload = sealed
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("entry of %d bytes exceeds the frame limit", len(payload))
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	copy(frame[8:16], lsnBytes[:])
	crc := crc32.NewIEEE()
	crc.Write(lsnBytes[:])
	crc.Write(payload)
	binary.LittleEndian.PutUint32(frame[4:8], crc.Sum32())
	return append(frame, payload...), nil
}

// Append assigns the next LSN to e and writes it. Decision entries are on
// disk when Append returns.
func (l *FileLog) Append(ctx context.Context, e Entry) (LSN, error) {
	if err := ctx.Err(); err != nil {
		return InvalidLSN, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(e)
}

func (l *FileLog) appendLocked(e Entry) (LSN, error) {
	if l.closed {
		return InvalidLSN, ErrClosed
	}
	if l.failed != nil {
		return InvalidLSN, fmt.Errorf("transaction log failed earlier: %w", l.failed)
	}

	e.LSN = l.nextLSN
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	frame, err := l.encodeFrame(&e)
	if err != nil {
		return InvalidLSN, err
	}

	if l.buffer.Len()+len(frame) > l.opts.BufferSize {
		if err := l.flushInternal(); err != nil {
			return InvalidLSN, l.fail(err)
		}
	}
	if l.segmentOffset > 0 && l.segmentOffset+int64(len(frame)) > l.opts.SegmentSize {
		if err := l.rollSegment(); err != nil {
			return InvalidLSN, l.fail(err)
		}
	}

	l.buffer.Write(frame)
	l.nextLSN++
	l.segmentOffset += int64(len(frame))
	l.segments[len(l.segments)-1].txids[e.TxID] = struct{}{}

	if e.Phase == PhaseForgotten {
		l.forgotten[e.TxID] = struct{}{}
	} else {
		if err := l.flushInternal(); err != nil {
			return InvalidLSN, l.fail(err)
		}
		if err := l.file.Sync(); err != nil {
			return InvalidLSN, l.fail(fmt.Errorf("failed to sync log segment: %w", err))
		}
	}

	l.logger.Debug("Appended log entry",
		zap.Uint64("lsn", uint64(e.LSN)),
		zap.String("txid", e.TxID.String()),
		zap.Stringer("phase", e.Phase))
	return e.LSN, nil
}

// fail records err as sticky. Whether a frame that failed to sync reached the
// disk is unknown, so no later entry may be written after it.
func (l *FileLog) fail(err error) error {
	l.failed = err
	l.buffer.Reset()
	l.logger.Error("Transaction log I/O failure; refusing further appends", zap.Error(err))
	return err
}

// Forget writes a FORGOTTEN marker and reclaims segments whose transactions
// have all been forgotten.
func (l *FileLog) Forget(ctx context.Context, txid transaction.Xid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.appendLocked(Entry{TxID: txid, Phase: PhaseForgotten}); err != nil {
		return err
	}
	l.collectLocked()
	return nil
}

// collectLocked removes the longest prefix of closed segments that only hold
// forgotten transactions. Only a prefix is removed so that a FORGOTTEN marker
// never disappears while an older entry of its transaction survives.
func (l *FileLog) collectLocked() {
	n := 0
	for _, seg := range l.segments[:len(l.segments)-1] {
		if !l.allForgotten(seg) {
			break
		}
		n++
	}
	if n == 0 {
		return
	}

	removed := l.segments[:n]
	kept := 0
	for _, seg := range removed {
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			l.logger.Warn("Failed to remove collected log segment", zap.String("segment", seg.path), zap.Error(err))
			break
		}
		kept++
	}
	l.segments = append([]*segment(nil), l.segments[kept:]...)

	for _, seg := range removed[:kept] {
		for txid := range seg.txids {
			if !l.retained(txid) {
				delete(l.forgotten, txid)
			}
		}
	}
	if kept > 0 {
		l.logger.Info("Collected forgotten log segments", zap.Int("removed", kept), zap.Int("remaining", len(l.segments)))
	}
}

func (l *FileLog) allForgotten(seg *segment) bool {
	for txid := range seg.txids {
		if _, ok := l.forgotten[txid]; !ok {
			return false
		}
	}
	return true
}

func (l *FileLog) retained(txid transaction.Xid) bool {
	for _, seg := range l.segments {
		if _, ok := seg.txids[txid]; ok {
			return true
		}
	}
	return false
}

// Replay reads every retained entry in LSN order.
func (l *FileLog) Replay(ctx context.Context, fn func(Entry) error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if err := l.flushInternal(); err != nil {
		l.mu.Unlock()
		return l.fail(err)
	}
	var all []Entry
	for _, seg := range l.segments {
		entries, _, err := l.readSegment(seg.path)
		if err != nil {
			l.mu.Unlock()
			return fmt.Errorf("failed to replay log segment %s: %w", seg.path, err)
		}
		all = append(all, entries...)
	}
	l.mu.Unlock()

	for _, e := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// flushInternal writes the buffer to the active segment without syncing.
// Must be called with l.mu held.
func (l *FileLog) flushInternal() error {
	if l.buffer.Len() == 0 {
		return nil
	}
	n, err := l.file.Write(l.buffer.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write log buffer to file: %w", err)
	}
	if n != l.buffer.Len() {
		return fmt.Errorf("short write to log file: expected %d, wrote %d", l.buffer.Len(), n)
	}
	l.buffer.Reset()
	return nil
}

// rollSegment syncs and closes the active segment and starts the next one.
// Must be called with l.mu held.
func (l *FileLog) rollSegment() error {
	if err := l.flushInternal(); err != nil {
		return fmt.Errorf("failed to flush buffer before rolling segment: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log segment before rolling: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close log segment: %w", err)
	}

	id := l.segments[len(l.segments)-1].id + 1
	seg := &segment{id: id, path: l.segmentPath(id), txids: make(map[transaction.Xid]struct{})}
	f, err := os.OpenFile(seg.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open new log segment %s: %w", seg.path, err)
	}
	l.file = f
	l.segments = append(l.segments, seg)
	l.segmentOffset = 0
	l.logger.Debug("Rolled to new log segment", zap.Uint64("segment", id))
	return nil
}

// flusher periodically writes and syncs buffered FORGOTTEN markers.
func (l *FileLog) flusher() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.buffer.Len() > 0 && l.failed == nil {
				if err := l.flushInternal(); err != nil {
					l.fail(err)
				} else if err := l.file.Sync(); err != nil {
					l.logger.Error("Periodic log sync failed", zap.Error(err))
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close flushes buffered markers and closes the active segment.
func (l *FileLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopChan)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	if l.failed == nil {
		if err := l.flushInternal(); err != nil {
			firstErr = err
		} else if err := l.file.Sync(); err != nil {
			firstErr = fmt.Errorf("failed to sync log segment on close: %w", err)
		}
	}
	if err := l.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close log segment: %w", err)
	}
	l.logger.Info("Transaction log closed", zap.Uint64("next_lsn", uint64(l.nextLSN)))
	return firstErr
}
