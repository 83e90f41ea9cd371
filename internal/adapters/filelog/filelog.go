package filelog

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// frame format: [8 bytes position][4 bytes len][len bytes json]
const frameHeaderLen = 12

type Options struct {
	Dir   string `yaml:"dir"`
	Fsync bool   `yaml:"fsync"` // fsync after every destination write

	// ReleaseConsumed lets the runtime truncate records every reading
	// pipeline has checkpointed.
	ReleaseConsumed bool `yaml:"release_consumed"`
}

// Log is an append-only, file-backed record log with one file per stream.
// It serves as a Source (replay from any retained position) and as a
// Destination that skips records it has already stored.
type Log struct {
	mu      sync.Mutex
	dir     string
	fsync   bool
	streams map[string]*segment
}

type segment struct {
	path     string
	metaPath string
	file     *os.File
	writer   *bufio.Writer
	horizon  domain.Position // positions <= horizon were truncated
	offsets  []int64         // offsets[i] holds position horizon+1+i
	size     int64
	seen     map[string]struct{}
}

func Open(opts Options) (*Log, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: filelog: dir is required", domain.ErrInvalidConfig)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	l := &Log{dir: opts.Dir, fsync: opts.Fsync, streams: make(map[string]*segment)}

	existing, err := filepath.Glob(filepath.Join(opts.Dir, "*.log"))
	if err != nil {
		return nil, err
	}
	for _, path := range existing {
		stream := strings.TrimSuffix(filepath.Base(path), ".log")
		if _, err := l.segment(stream); err != nil {
			_ = l.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *Log) Name() string { return "filelog" }

// segment returns the open segment for stream, loading it on first use.
// Callers hold l.mu, except Open.
func (l *Log) segment(stream string) (*segment, error) {
	if seg, ok := l.streams[stream]; ok {
		return seg, nil
	}
	if stream == "" || strings.ContainsAny(stream, `/\`) || stream == "." || stream == ".." {
		return nil, fmt.Errorf("%w: filelog: invalid stream name %q", domain.ErrInvalidConfig, stream)
	}

	path := filepath.Join(l.dir, stream+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	seg := &segment{
		path:     path,
		metaPath: filepath.Join(l.dir, stream+".meta"),
		file:     f,
		writer:   bufio.NewWriterSize(f, 1<<20),
		seen:     make(map[string]struct{}),
	}
	if err := seg.bootstrap(); err != nil {
		f.Close()
		return nil, fmt.Errorf("filelog %s: %w", stream, err)
	}
	l.streams[stream] = seg
	return seg, nil
}

func (s *segment) bootstrap() error {
	if err := s.loadHorizon(); err != nil {
		return err
	}
	if err := s.scanExisting(); err != nil {
		return err
	}
	_, err := s.file.Seek(0, io.SeekEnd)
	return err
}

func (s *segment) loadHorizon() error {
	data, err := os.ReadFile(s.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("meta parse: %w", err)
	}
	s.horizon = domain.Position(u)
	return nil
}

// scanExisting indexes every complete frame and cuts off a torn tail left by
// a crash mid-append.
func (s *segment) scanExisting() error {
	rf, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var offset int64
	for {
		pos, rec, n, err := readFrame(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return err
		}

		if len(s.offsets) == 0 && pos != s.horizon+1 {
			s.horizon = pos - 1
		}
		if want := s.last() + 1; pos != want {
			return fmt.Errorf("corrupt log: position %d where %d expected", pos, want)
		}
		s.offsets = append(s.offsets, offset)
		if id := rec.SourceIdentity(); id != "" {
			s.seen[id] = struct{}{}
		}
		offset += n
	}

	if err := s.file.Truncate(offset); err != nil {
		return err
	}
	s.size = offset
	return nil
}

func (s *segment) last() domain.Position {
	return s.horizon + domain.Position(len(s.offsets))
}

func (s *segment) append(stream string, rec domain.Record) (domain.Position, error) {
	pos := s.last() + 1
	rec.Stream = stream
	rec.Position = pos

	n, err := writeFrame(s.writer, pos, rec)
	if err != nil {
		return 0, err
	}
	s.offsets = append(s.offsets, s.size)
	s.size += n
	return pos, nil
}

// Append adds rec to stream and returns its position. Appends are buffered
// until the next read, write or Close.
func (l *Log) Append(stream string, rec domain.Record) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seg, err := l.segment(stream)
	if err != nil {
		return 0, err
	}
	return seg.append(stream, rec)
}

func (l *Log) Read(ctx context.Context, stream string, after domain.Position, max int) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	seg, err := l.segment(stream)
	if err != nil {
		return nil, err
	}
	if after < seg.horizon {
		return nil, fmt.Errorf("%w: stream %s retains positions after %d, asked for after %d",
			domain.ErrPositionExpired, stream, seg.horizon, after)
	}
	skip := int(after - seg.horizon)
	if skip >= len(seg.offsets) {
		return nil, nil
	}
	if err := seg.writer.Flush(); err != nil {
		return nil, fmt.Errorf("%w: flush %s: %v", domain.ErrSourceUnavailable, stream, err)
	}

	f, err := os.Open(seg.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	defer f.Close()
	if _, err := f.Seek(seg.offsets[skip], io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}

	n := len(seg.offsets) - skip
	if max > 0 && n > max {
		n = max
	}
	r := bufio.NewReader(f)
	out := make([]domain.Record, 0, n)
	for i := 0; i < n; i++ {
		_, rec, _, err := readFrame(r)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", stream, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Write appends records that were not stored before. Records are identified
// by the source stream and position the pipeline stamped on them.
func (l *Log) Write(ctx context.Context, stream string, records []domain.Record) (ports.WriteAck, error) {
	if err := ctx.Err(); err != nil {
		return ports.WriteAck{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	seg, err := l.segment(stream)
	if err != nil {
		return ports.WriteAck{}, err
	}

	var ack ports.WriteAck
	for _, rec := range records {
		id := rec.SourceIdentity()
		if _, dup := seg.seen[id]; id != "" && dup {
			ack.Duplicates++
			continue
		}
		if _, err := seg.append(stream, rec); err != nil {
			return ports.WriteAck{}, fmt.Errorf("%w: %v", domain.ErrDestinationUnavailable, err)
		}
		if id != "" {
			seg.seen[id] = struct{}{}
		}
		ack.Written++
	}

	if err := seg.writer.Flush(); err != nil {
		return ports.WriteAck{}, fmt.Errorf("%w: %v", domain.ErrDestinationUnavailable, err)
	}
	if l.fsync {
		if err := seg.file.Sync(); err != nil {
			return ports.WriteAck{}, fmt.Errorf("%w: %v", domain.ErrDestinationUnavailable, err)
		}
	}
	return ack, nil
}

// TruncateBefore drops every record of stream below pos. Readers asking for
// a dropped position get domain.ErrPositionExpired afterwards.
func (l *Log) TruncateBefore(stream string, pos domain.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	seg, err := l.segment(stream)
	if err != nil {
		return err
	}
	if pos == 0 {
		return nil
	}
	horizon := pos - 1
	if horizon > seg.last() {
		horizon = seg.last()
	}
	if horizon <= seg.horizon {
		return nil
	}
	return seg.rewrite(horizon)
}

func (s *segment) rewrite(horizon domain.Position) error {
	if err := s.writer.Flush(); err != nil {
		return err
	}

	keepFrom := s.size
	if k := int(horizon - s.horizon); k < len(s.offsets) {
		keepFrom = s.offsets[k]
	}

	src, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := src.Seek(keepFrom, io.SeekStart); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	// Persist the horizon first so an empty log still remembers it.
	if err := os.WriteFile(s.metaPath, []byte(fmt.Sprintf("%d\n", horizon)), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	if err := s.file.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.writer = bufio.NewWriterSize(f, 1<<20)

	drop := int(horizon - s.horizon)
	kept := make([]int64, 0, len(s.offsets)-drop)
	for _, off := range s.offsets[drop:] {
		kept = append(kept, off-keepFrom)
	}
	s.offsets = kept
	s.size -= keepFrom
	s.horizon = horizon
	return nil
}

// Stats describes one stream of the log.
type Stats struct {
	Horizon   domain.Position
	Last      domain.Position
	SizeBytes int64
}

func (l *Log) Stats(stream string) (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seg, err := l.segment(stream)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Horizon: seg.horizon, Last: seg.last(), SizeBytes: seg.size}, nil
}

// SizeBytes is the total size of every stream, including buffered appends.
func (l *Log) SizeBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	for _, seg := range l.streams {
		n += seg.size
	}
	return n
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for name, seg := range l.streams {
		if err := seg.writer.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", name, err))
		}
		if err := seg.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(l.streams, name)
	}
	return errors.Join(errs...)
}

func writeFrame(w io.Writer, pos domain.Position, rec domain.Record) (int64, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(pos))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(b); err != nil {
		return 0, err
	}
	return int64(len(b) + frameHeaderLen), nil
}

// readFrame returns io.EOF on a clean end and io.ErrUnexpectedEOF on a torn
// frame.
func readFrame(r io.Reader) (domain.Position, domain.Record, int64, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, domain.Record{}, 0, err
	}
	pos := domain.Position(binary.BigEndian.Uint64(hdr[0:8]))
	length := binary.BigEndian.Uint32(hdr[8:12])

	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, domain.Record{}, 0, err
	}

	var rec domain.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return 0, domain.Record{}, 0, fmt.Errorf("corrupt entry at position %d: %w", pos, err)
	}
	rec.Position = pos
	return pos, rec, int64(len(b) + frameHeaderLen), nil
}

var (
	_ ports.Source      = (*Log)(nil)
	_ ports.Truncater   = (*Log)(nil)
	_ ports.Destination = (*Log)(nil)
)
