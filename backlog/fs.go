package backlog

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"git.sr.ht/~sircmpwn/go-bare"
	"golang.org/x/sys/unix"

	"git.sr.ht/~luteus/luteus/xirc"
)

const (
	fsFormatVersion = 1
	fsStoreMaxFiles = 20
	fsNickFilename  = ".nicks"
)

func EscapeFilename(unsafe string) (safe string) {
	if unsafe == "." {
		return "-"
	} else if unsafe == ".." {
		return "--"
	} else {
		return strings.NewReplacer("/", "-", "\\", "-").Replace(unsafe)
	}
}

// diskMarker is the first frame of a context file.
type diskMarker struct {
	Version bare.Uint
	// Sequence number of the first record in the file
	Base uint64
}

type diskRecord struct {
	Time       int64
	Kind       bare.Uint
	Source     string
	Outgoing   bool
	Line       string
	Topic      string
	TopicKnown bool
	Members    []string
	Peer       string
}

func encodeRecord(rec *Record) ([]byte, error) {
	dr := diskRecord{
		Time:     rec.Time.UnixNano(),
		Kind:     bare.Uint(rec.Kind),
		Source:   rec.Source,
		Outgoing: rec.Outgoing,
		Peer:     rec.Peer,
	}
	if rec.Message != nil {
		line, err := xirc.FormatMessage(rec.Message)
		if err != nil {
			return nil, err
		}
		dr.Line = strings.TrimSuffix(line, "\r\n")
	}
	if rec.Snapshot != nil {
		dr.Topic = rec.Snapshot.Topic
		dr.TopicKnown = rec.Snapshot.TopicKnown
		dr.Members = rec.Snapshot.Members
	}
	return bare.Marshal(&dr)
}

func decodeRecord(b []byte) (*Record, error) {
	var dr diskRecord
	if err := bare.Unmarshal(b, &dr); err != nil {
		return nil, err
	}
	rec := &Record{
		Time:     time.Unix(0, dr.Time),
		Kind:     Kind(dr.Kind),
		Source:   dr.Source,
		Outgoing: dr.Outgoing,
		Peer:     dr.Peer,
	}
	switch rec.Kind {
	case KindMessage:
		msg, err := xirc.ParseMessage(dr.Line)
		if err != nil {
			return nil, err
		}
		rec.Message = msg
	case KindSnapshot:
		rec.Snapshot = &Snapshot{
			Topic:      dr.Topic,
			TopicKnown: dr.TopicKnown,
			Members:    dr.Members,
		}
	}
	return rec, nil
}

// frameLen returns the size of a frame holding n bytes of data.
func frameLen(n int) int64 {
	var buf [binary.MaxVarintLen64]byte
	return int64(binary.PutUvarint(buf[:], uint64(n)) + n)
}

func writeFrame(w *bare.Writer, b []byte) error {
	return w.WriteData(b)
}

func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrLocked
	} else if err != nil {
		return fmt.Errorf("failed to lock %q: %v", f.Name(), err)
	}
	return nil
}

type fsStoreFile struct {
	*os.File
	base    uint64
	n       uint64
	size    int64
	lastUse time.Time
}

func (f *fsStoreFile) next() uint64 {
	return f.base + f.n
}

// scan reads the whole file. A truncated or corrupted tail, left behind by
// an interrupted write, is cut off.
func (f *fsStoreFile) scan(logger Logger) ([][]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r := bare.NewReader(bufio.NewReader(f.File))

	b, err := r.ReadData()
	if err == io.EOF {
		// New file
		f.base, f.n, f.size = 1, 0, 0
		return nil, f.writeMarker()
	} else if err != nil {
		return nil, fmt.Errorf("failed to read marker of %q: %v", f.Name(), err)
	}
	var marker diskMarker
	if err := bare.Unmarshal(b, &marker); err != nil {
		return nil, fmt.Errorf("failed to decode marker of %q: %v", f.Name(), err)
	}
	if marker.Version != fsFormatVersion {
		return nil, fmt.Errorf("unsupported format version %v in %q", marker.Version, f.Name())
	}
	f.base = marker.Base
	f.size = frameLen(len(b))

	var frames [][]byte
	for {
		b, err := r.ReadData()
		if err == nil {
			_, err = decodeRecord(b)
		}
		if err != nil {
			if err != io.EOF {
				logger.Printf("backlog: invalid record in %q at offset %v: %v", f.Name(), f.size, err)
			}
			break
		}
		frames = append(frames, b)
		f.size += frameLen(len(b))
	}
	f.n = uint64(len(frames))

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > f.size {
		logger.Printf("backlog: dropping %v trailing bytes of %q", fi.Size()-f.size, f.Name())
		if err := f.Truncate(f.size); err != nil {
			return nil, fmt.Errorf("failed to truncate %q: %v", f.Name(), err)
		}
	}
	return frames, nil
}

func (f *fsStoreFile) writeMarker() error {
	b, err := bare.Marshal(&diskMarker{Version: fsFormatVersion, Base: f.base})
	if err != nil {
		return err
	}
	if err := writeFrame(bare.NewWriter(f.File), b); err != nil {
		return fmt.Errorf("failed to write marker to %q: %v", f.Name(), err)
	}
	f.size = frameLen(len(b))
	return nil
}

// fsStore is a per-network on-disk backlog store. Each context is stored in
// its own file, locked for the lifetime of the store.
type fsStore struct {
	dir    string
	logger Logger
	files  map[string]*fsStoreFile
}

var _ Store = (*fsStore)(nil)

func NewFSStore(root, user, network string, logger Logger) Store {
	return &fsStore{
		dir:    filepath.Join(root, EscapeFilename(user), EscapeFilename(network)),
		logger: logger,
		files:  make(map[string]*fsStoreFile),
	}
}

func (ms *fsStore) path(name string) string {
	if name == NickContext {
		return filepath.Join(ms.dir, fsNickFilename)
	}
	return filepath.Join(ms.dir, EscapeFilename(name))
}

func (ms *fsStore) open(name string) (*fsStoreFile, [][]byte, bool, error) {
	if f := ms.files[name]; f != nil {
		f.lastUse = time.Now()
		return f, nil, false, nil
	}

	if err := os.MkdirAll(ms.dir, 0750); err != nil {
		return nil, nil, false, fmt.Errorf("failed to create backlog directory %q: %v", ms.dir, err)
	}

	path := ms.path(name)
	ff, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to open backlog file %q: %v", path, err)
	}
	if err := lockFile(ff); err != nil {
		ff.Close()
		return nil, nil, false, err
	}

	f := &fsStoreFile{File: ff, lastUse: time.Now()}
	frames, err := f.scan(ms.logger)
	if err != nil {
		ff.Close()
		return nil, nil, false, err
	}

	ms.files[name] = f
	ms.evict(name)
	return f, frames, true, nil
}

// evict closes the least recently used files above the limit.
func (ms *fsStore) evict(keep string) {
	if len(ms.files) <= fsStoreMaxFiles {
		return
	}
	names := make([]string, 0, len(ms.files))
	for name := range ms.files {
		if name != keep {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := names[i], names[j]
		return ms.files[a].lastUse.Before(ms.files[b].lastUse)
	})
	names = names[0 : len(ms.files)-fsStoreMaxFiles]
	for _, name := range names {
		ms.files[name].Close()
		delete(ms.files, name)
	}
}

func (ms *fsStore) frames(name string) (*fsStoreFile, [][]byte, error) {
	f, frames, scanned, err := ms.open(name)
	if err != nil || scanned {
		return f, frames, err
	}
	frames, err = f.scan(ms.logger)
	return f, frames, err
}

func (ms *fsStore) Append(ctx context.Context, name string, rec *Record) (uint64, error) {
	f, _, _, err := ms.open(name)
	if err != nil {
		return 0, err
	}
	return ms.append(f, rec)
}

func (ms *fsStore) append(f *fsStoreFile, rec *Record) (uint64, error) {
	b, err := encodeRecord(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to encode backlog record: %v", err)
	}

	if _, err := f.Seek(f.size, io.SeekStart); err != nil {
		return 0, err
	}
	// Buffer the frame so that it hits the file with a single write
	bw := bufio.NewWriterSize(f.File, int(frameLen(len(b))))
	if err := writeFrame(bare.NewWriter(bw), b); err != nil {
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("failed to append to %q: %v", f.Name(), err)
	}

	seq := f.next()
	f.size += frameLen(len(b))
	f.n++
	return seq, nil
}

func (ms *fsStore) Load(ctx context.Context, name string) ([]*Record, error) {
	f, frames, err := ms.frames(name)
	if err != nil {
		return nil, err
	}

	recs := make([]*Record, 0, len(frames))
	for i, b := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(b)
		if err != nil {
			return nil, fmt.Errorf("failed to decode record from %q: %v", f.Name(), err)
		}
		rec.Seq = f.base + uint64(i)
		recs = append(recs, rec)
	}
	return recs, nil
}

// rewrite atomically replaces the contents of a context file.
func (ms *fsStore) rewrite(name string, f *fsStoreFile, base uint64, frames [][]byte) error {
	tmp, err := os.CreateTemp(ms.dir, ".rewrite-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary backlog file: %v", err)
	}
	// The new file must be locked before it becomes visible
	if err := lockFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}

	nf := &fsStoreFile{File: tmp, base: base, lastUse: time.Now()}
	err = nf.writeMarker()
	if err == nil {
		bw := bufio.NewWriter(tmp)
		w := bare.NewWriter(bw)
		for _, b := range frames {
			if err = writeFrame(w, b); err != nil {
				break
			}
			nf.size += frameLen(len(b))
		}
		if err == nil {
			err = bw.Flush()
		}
	}
	if err == nil {
		err = tmp.Sync()
	}
	if err == nil {
		err = os.Rename(tmp.Name(), ms.path(name))
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rewrite %q: %v", f.Name(), err)
	}

	nf.n = uint64(len(frames))
	f.Close()
	ms.files[name] = nf
	return nil
}

func (ms *fsStore) Discard(ctx context.Context, name string, upTo uint64) (int, error) {
	f, frames, err := ms.frames(name)
	if err != nil {
		return 0, err
	}
	if upTo < f.base || f.n == 0 {
		return 0, nil
	}

	k := upTo - f.base + 1
	if k > f.n {
		k = f.n
	}
	if err := ms.rewrite(name, f, f.base+k, frames[k:]); err != nil {
		return 0, err
	}
	return int(k), nil
}

func (ms *fsStore) Reset(ctx context.Context, name string, rec *Record) (uint64, error) {
	f, _, _, err := ms.open(name)
	if err != nil {
		return 0, err
	}
	if err := ms.rewrite(name, f, f.next(), nil); err != nil {
		return 0, err
	}
	return ms.append(ms.files[name], rec)
}

func (ms *fsStore) Bounds(ctx context.Context, name string) (first, next uint64, err error) {
	f, _, _, err := ms.open(name)
	if err != nil {
		return 0, 0, err
	}
	return f.base, f.next(), nil
}

func (ms *fsStore) Close() error {
	var closeErr error
	for name, f := range ms.files {
		if err := f.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close backlog store: %v", err)
		}
		delete(ms.files, name)
	}
	return closeErr
}
