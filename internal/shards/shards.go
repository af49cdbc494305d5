// Package shards writes enriched records for a source file into fixed-size
// output files.
//
// A record at input position p lives in shard p/ChunkSize. Shard 0 keeps the
// source file's name; shard k>0 inserts ".k" before the extension. Each write
// replaces the whole shard file.
package shards

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/acldm/chinese-poetry/internal/jsonfile"
	"github.com/acldm/chinese-poetry/internal/record"
)

// ErrOutOfOrder is returned when records are appended behind the shard
// being written or before the accounted-for offset.
var ErrOutOfOrder = errors.New("shard append out of order")

// Store hands out shard writers for the files of one output directory.
type Store struct {
	dir       string
	chunkSize int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a store rooted at dir.
func New(dir string, chunkSize int) (*Store, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	return &Store{
		dir:       dir,
		chunkSize: chunkSize,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// ChunkSize returns the maximum number of positions per shard.
func (s *Store) ChunkSize() int {
	return s.chunkSize
}

// Lock acquires the lock for one output file, creating it on first use, and
// returns the matching unlock function.
func (s *Store) Lock(name string) func() {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// ShardName returns the file name of shard k for source file name.
func ShardName(name string, k int) string {
	if k == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "." + strconv.Itoa(k) + ext
}

// ShardPath returns the path of shard k for name.
func (s *Store) ShardPath(name string, k int) string {
	return filepath.Join(s.dir, ShardName(name, k))
}

// ShardCount returns how many shards total positions span.
func (s *Store) ShardCount(total int) int {
	return (total + s.chunkSize - 1) / s.chunkSize
}

// ReadShard returns the records stored in shard k. ok is false when the shard
// file does not exist.
func (s *Store) ReadShard(name string, k int) ([]record.Record, bool, error) {
	var recs []record.Record
	ok, err := jsonfile.Read(s.ShardPath(name, k), &recs)
	if err != nil {
		return nil, ok, fmt.Errorf("read shard %d of %s: %w", k, name, err)
	}
	return recs, ok, nil
}

// Placed is an enriched record with its position in the source file.
type Placed struct {
	Position int
	Record   record.Record
}

// Writer appends to the shards of one source file. It is not safe for
// concurrent use; callers hold Store.Lock for the file while writing.
type Writer struct {
	store  *Store
	name   string
	inputs []record.Record

	index int
	buf   []record.Record
	dirty bool
}

// Open prepares a writer for name whose first accounted positions are
// already decided. The current shard is trimmed on disk to the records that
// belong to decided positions and every later shard is removed, so no shard
// holds output past accounted once Open returns.
func (s *Store) Open(name string, inputs []record.Record, accounted int) (*Writer, error) {
	if accounted < 0 || accounted > len(inputs) {
		return nil, fmt.Errorf("%s: accounted %d outside [0, %d]", name, accounted, len(inputs))
	}
	w := &Writer{store: s, name: name, inputs: inputs}
	k := accounted / s.chunkSize
	if err := w.switchTo(k, accounted); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	if err := s.removeFrom(name, k+1, s.ShardCount(len(inputs))); err != nil {
		return nil, err
	}
	return w, nil
}

// removeFrom deletes shards k and later of name. It checks every index below
// last and keeps going past it while shard files exist.
func (s *Store) removeFrom(name string, k, last int) error {
	for ; ; k++ {
		err := os.Remove(s.ShardPath(name, k))
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			if k >= last {
				return nil
			}
		default:
			return fmt.Errorf("remove shard %d of %s: %w", k, name, err)
		}
	}
}

// Index returns the shard currently buffered.
func (w *Writer) Index() int {
	return w.index
}

// Buffered returns the number of records in the current shard.
func (w *Writer) Buffered() int {
	return len(w.buf)
}

// Append writes recs, which were decided after offset positions were already
// accounted for. Every shard touched is rewritten in full; the written paths
// are returned in shard order.
func (w *Writer) Append(offset int, recs []Placed) ([]string, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	sorted := append([]Placed(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	size := w.store.chunkSize
	var written []string
	for start := 0; start < len(sorted); {
		idx := sorted[start].Position / size
		end := start
		for end < len(sorted) && sorted[end].Position/size == idx {
			if sorted[end].Position < offset || sorted[end].Position >= len(w.inputs) {
				return written, fmt.Errorf("%s: position %d with offset %d: %w", w.name, sorted[end].Position, offset, ErrOutOfOrder)
			}
			end++
		}

		switch {
		case idx < w.index:
			return written, fmt.Errorf("%s: shard %d behind current shard %d: %w", w.name, idx, w.index, ErrOutOfOrder)
		case idx > w.index:
			if err := w.Flush(); err != nil {
				return written, err
			}
			if err := w.switchTo(idx, offset); err != nil {
				return written, err
			}
		}

		for _, p := range sorted[start:end] {
			w.buf = append(w.buf, p.Record)
		}
		if len(w.buf) > size {
			return written, fmt.Errorf("%s: shard %d holds %d records, limit %d", w.name, w.index, len(w.buf), size)
		}
		w.dirty = true
		if err := w.Flush(); err != nil {
			return written, err
		}
		written = append(written, w.store.ShardPath(w.name, w.index))
		start = end
	}
	return written, nil
}

// Flush writes the current shard if it changed since the last write. A
// shard trimmed down to nothing is removed.
func (w *Writer) Flush() error {
	if !w.dirty {
		return nil
	}
	path := w.store.ShardPath(w.name, w.index)
	if len(w.buf) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove shard %d of %s: %w", w.index, w.name, err)
		}
		w.dirty = false
		return nil
	}
	if err := jsonfile.Write(path, w.buf, "    "); err != nil {
		return fmt.Errorf("write shard %d of %s: %w", w.index, w.name, err)
	}
	w.dirty = false
	return nil
}

// switchTo makes shard k current, keeping only stored records that match
// inputs at decided positions [k*size, accounted).
func (w *Writer) switchTo(k, accounted int) error {
	stored, _, err := w.store.ReadShard(w.name, k)
	if err != nil {
		return err
	}

	size := w.store.chunkSize
	allowed := make(map[string]int)
	for p := k * size; p < accounted && p < (k+1)*size; p++ {
		allowed[record.Identity(w.inputs[p])]++
	}

	kept := make([]record.Record, 0, len(stored))
	for _, r := range stored {
		id := record.Identity(r)
		if allowed[id] > 0 {
			allowed[id]--
			kept = append(kept, r)
		}
	}

	w.index = k
	w.buf = kept
	w.dirty = len(kept) != len(stored)
	return nil
}
