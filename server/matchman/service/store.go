package service

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"

	commonlog "skilltrade_server/server/common/log"
	"skilltrade_server/server/matchman/domain"
)

const (
	IndexFileName    = "vector_index.bin"
	MetadataFileName = "vector_metadata.json"

	indexMagic   = "SKVX"
	indexVersion = uint16(1)
	// magic | version | dim | count | meta_sum
	indexHeaderSize = 4 + 2 + 4 + 4 + blake2b.Size256
)

// snapshot is immutable once published. vectors is count*dim floats laid out
// row by row, and metadata[i] describes row i.
type snapshot struct {
	seq      uint64
	dim      int
	vectors  []float32
	metadata []domain.Metadata
}

func (s *snapshot) count() int {
	return len(s.metadata)
}

type storeState struct {
	status domain.StoreStatus
	err    error
}

// Store keeps the vector and metadata files in lockstep. Writers serialize on
// writeMu and publish a fresh snapshot after the files are durable; readers
// only ever see a published snapshot.
type Store struct {
	dir      string
	writeMu  sync.Mutex
	current  atomic.Pointer[snapshot]
	state    atomic.Pointer[storeState]
	onCommit func(seq uint64, index, metadata []byte)
}

// OpenStore loads the store in dir. The returned store is always usable for
// status reporting even when err is non-nil.
func OpenStore(dir string) (*Store, error) {
	s := &Store{dir: dir}
	s.current.Store(&snapshot{})
	s.state.Store(&storeState{status: domain.StoreReady})
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e := unavailableError("OpenStore", err)
		s.state.Store(&storeState{status: domain.StoreUnavailable, err: e})
		return s, e
	}
	return s, s.Reload()
}

// OnCommit registers fn to run, under the write lock, after every durable commit.
func (s *Store) OnCommit(fn func(seq uint64, index, metadata []byte)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.onCommit = fn
}

func (s *Store) Status() (domain.StoreStatus, error) {
	st := s.state.Load()
	return st.status, st.err
}

func (s *Store) Stats() domain.Stats {
	st := s.state.Load()
	snap := s.current.Load()
	stats := domain.Stats{Status: st.status, Count: snap.count(), Dimensions: snap.dim}
	if st.err != nil {
		stats.Detail = st.err.Error()
	}
	return stats
}

// Reload re-reads both files from disk and replaces the in-memory snapshot.
func (s *Store) Reload() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	index, metadata, err := readStoreFiles(s.dir)
	if err != nil {
		return s.fail(err)
	}
	var snap *snapshot
	if index == nil && metadata == nil {
		snap = &snapshot{}
	} else {
		snap, err = decodeStore(index, metadata)
		if err != nil {
			return s.fail(err)
		}
	}
	snap.seq = s.current.Load().seq + 1
	s.current.Store(snap)
	s.state.Store(&storeState{status: domain.StoreReady})
	commonlog.Infof("event=vector_store action=load status=ok dir=%s count=%d dim=%d", s.dir, snap.count(), snap.dim)
	return nil
}

func (s *Store) fail(err error) error {
	status := domain.StoreCorrupted
	if IsStoreUnavailable(err) {
		status = domain.StoreUnavailable
	}
	s.state.Store(&storeState{status: status, err: err})
	commonlog.Errorf("event=vector_store action=mark status=%s dir=%s error=%v", status, s.dir, err)
	return err
}

// Append adds one entry to both files as a single step. Nothing changes on
// failure.
func (s *Store) Append(entry domain.VectorEntry) error {
	const op = "Append"
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if st := s.state.Load(); st.status != domain.StoreReady {
		return st.err
	}
	if len(entry.Embedding) == 0 {
		return newError(KindEmbeddingProvider, op, "embedding is empty", nil)
	}
	cur := s.current.Load()
	if cur.count() > 0 && len(entry.Embedding) != cur.dim {
		return newError(KindEmbeddingProvider, op, fmt.Sprintf("embedding has %d dimensions, store has %d", len(entry.Embedding), cur.dim), nil)
	}

	// Readers never look past their own length, so appending into spare
	// capacity of the published slices is safe.
	next := &snapshot{
		seq:      cur.seq + 1,
		dim:      len(entry.Embedding),
		vectors:  append(cur.vectors, entry.Embedding...),
		metadata: append(cur.metadata, entry.Metadata),
	}
	return s.commitLocked(op, next)
}

// Replace swaps the whole store for entries. It also clears a corrupted state.
func (s *Store) Replace(entries []domain.VectorEntry) error {
	const op = "Replace"
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := &snapshot{seq: s.current.Load().seq + 1, metadata: make([]domain.Metadata, 0, len(entries))}
	for _, entry := range entries {
		if next.dim == 0 {
			next.dim = len(entry.Embedding)
			next.vectors = make([]float32, 0, len(entries)*next.dim)
		}
		if len(entry.Embedding) != next.dim {
			return newError(KindEmbeddingProvider, op, fmt.Sprintf("entry %q has %d dimensions, expected %d", entry.EntityID, len(entry.Embedding), next.dim), nil)
		}
		next.vectors = append(next.vectors, entry.Embedding...)
		next.metadata = append(next.metadata, entry.Metadata)
	}
	return s.commitLocked(op, next)
}

// Install validates an externally sourced file pair and commits it.
func (s *Store) Install(index, metadata []byte) error {
	const op = "Install"
	snap, err := decodeStore(index, metadata)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	snap.seq = s.current.Load().seq + 1
	if err := commitFiles(s.dir, index, metadata); err != nil {
		return s.commitFailed(op, err)
	}
	s.publishLocked(snap, index, metadata)
	return nil
}

func (s *Store) commitLocked(op string, next *snapshot) error {
	index, metadata, err := encodeStore(next)
	if err != nil {
		return storageError(op, err)
	}
	if err := commitFiles(s.dir, index, metadata); err != nil {
		return s.commitFailed(op, err)
	}
	s.publishLocked(next, index, metadata)
	return nil
}

// commitFailed maps a failed commit to a StorageError, or marks the store
// corrupted when the previous files could not be put back.
func (s *Store) commitFailed(op string, err error) error {
	var rb *rollbackError
	if errors.As(err, &rb) {
		return s.fail(newError(KindStoreCorruption, op, "store files are out of step after a failed write", err))
	}
	commonlog.Errorf("event=vector_store action=commit status=failed op=%s dir=%s error=%v", op, s.dir, err)
	return storageError(op, err)
}

func (s *Store) publishLocked(next *snapshot, index, metadata []byte) {
	s.current.Store(next)
	s.state.Store(&storeState{status: domain.StoreReady})
	if s.onCommit != nil {
		s.onCommit(next.seq, index, metadata)
	}
}

type scoredRow struct {
	row      int
	distance float32
}

// Search runs an exact squared-L2 scan over the current snapshot and returns
// up to k rows nearest first. Equal distances keep insertion order.
func (s *Store) Search(query []float32, k int) ([]domain.SearchResult, error) {
	const op = "Search"
	if st := s.state.Load(); st.status != domain.StoreReady {
		return nil, st.err
	}
	snap := s.current.Load()
	n := snap.count()
	if n == 0 || k <= 0 {
		return []domain.SearchResult{}, nil
	}
	if len(query) != snap.dim {
		return nil, newError(KindEmbeddingProvider, op, fmt.Sprintf("query has %d dimensions, store has %d", len(query), snap.dim), nil)
	}

	scores := make([]scoredRow, n)
	for i := 0; i < n; i++ {
		row := snap.vectors[i*snap.dim : (i+1)*snap.dim]
		var sum float32
		for j, v := range row {
			d := query[j] - v
			sum += d * d
		}
		scores[i] = scoredRow{row: i, distance: sum}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].distance < scores[j].distance })
	if k > n {
		k = n
	}

	results := make([]domain.SearchResult, k)
	for i := 0; i < k; i++ {
		meta := snap.metadata[scores[i].row]
		results[i] = domain.SearchResult{
			EntityID:    meta.EntityID,
			Skills:      meta.Skills,
			Description: meta.Description,
			Distance:    scores[i].distance,
		}
	}
	return results, nil
}

func readStoreFiles(dir string) ([]byte, []byte, error) {
	const op = "Load"
	index, indexErr := os.ReadFile(filepath.Join(dir, IndexFileName))
	metadata, metaErr := os.ReadFile(filepath.Join(dir, MetadataFileName))
	indexMissing := errors.Is(indexErr, fs.ErrNotExist)
	metaMissing := errors.Is(metaErr, fs.ErrNotExist)

	if indexErr != nil && !indexMissing {
		return nil, nil, unavailableError(op, fmt.Errorf("read %s: %w", IndexFileName, indexErr))
	}
	if metaErr != nil && !metaMissing {
		return nil, nil, unavailableError(op, fmt.Errorf("read %s: %w", MetadataFileName, metaErr))
	}
	switch {
	case indexMissing && metaMissing:
		return nil, nil, nil
	case indexMissing:
		return nil, nil, corruptionError(op, MetadataFileName+" exists without "+IndexFileName)
	case metaMissing:
		return nil, nil, corruptionError(op, IndexFileName+" exists without "+MetadataFileName)
	}
	return index, metadata, nil
}

func encodeStore(snap *snapshot) ([]byte, []byte, error) {
	metadata := snap.metadata
	if metadata == nil {
		metadata = []domain.Metadata{}
	}
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	metaSum := blake2b.Sum256(metaBytes)

	var buf bytes.Buffer
	buf.Grow(indexHeaderSize + len(snap.vectors)*4 + blake2b.Size256)
	buf.WriteString(indexMagic)
	_ = binary.Write(&buf, binary.LittleEndian, indexVersion)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(snap.dim))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(metadata)))
	buf.Write(metaSum[:])
	buf.Write(float32SliceToBytes(snap.vectors))
	sum := blake2b.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), metaBytes, nil
}

func decodeStore(index, metadata []byte) (*snapshot, error) {
	const op = "Load"
	if len(index) < indexHeaderSize+blake2b.Size256 {
		return nil, corruptionError(op, "index file is truncated")
	}
	if string(index[:4]) != indexMagic {
		return nil, corruptionError(op, "index file has an unknown format")
	}
	if v := binary.LittleEndian.Uint16(index[4:6]); v != indexVersion {
		return nil, corruptionError(op, fmt.Sprintf("index file version %d is not supported", v))
	}
	body := index[:len(index)-blake2b.Size256]
	sum := blake2b.Sum256(body)
	if !bytes.Equal(sum[:], index[len(body):]) {
		return nil, corruptionError(op, "index checksum mismatch")
	}

	dim := int(binary.LittleEndian.Uint32(index[6:10]))
	count := int(binary.LittleEndian.Uint32(index[10:14]))
	if count > 0 && dim == 0 {
		return nil, corruptionError(op, "index has vectors but zero dimensions")
	}
	if want := indexHeaderSize + count*dim*4; len(body) != want {
		return nil, corruptionError(op, fmt.Sprintf("index body is %d bytes, expected %d", len(body), want))
	}
	metaSum := blake2b.Sum256(metadata)
	if !bytes.Equal(metaSum[:], index[14:indexHeaderSize]) {
		return nil, corruptionError(op, "metadata file does not belong to index file")
	}

	var records []domain.Metadata
	if err := json.Unmarshal(metadata, &records); err != nil {
		return nil, corruptionError(op, "metadata file is not a JSON array: "+err.Error())
	}
	if len(records) != count {
		return nil, corruptionError(op, fmt.Sprintf("index has %d vectors but metadata has %d records", count, len(records)))
	}
	return &snapshot{
		dim:      dim,
		vectors:  bytesToFloat32Slice(body[indexHeaderSize:]),
		metadata: records,
	}, nil
}

var renameFile = os.Rename

// rollbackError reports a failed commit whose previous files could not be
// restored, leaving the pair on disk out of step.
type rollbackError struct {
	cause   error
	restore error
}

func (e *rollbackError) Error() string {
	return fmt.Sprintf("%v; restoring previous files failed: %v", e.cause, e.restore)
}

func (e *rollbackError) Unwrap() error {
	return e.cause
}

// commitFiles replaces both files via temp file + fsync + rename, metadata
// first. The files in place are linked aside beforehand and put back if any
// later step fails, so a failed commit leaves the previous pair on disk.
func commitFiles(dir string, index, metadata []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	metaPath := filepath.Join(dir, MetadataFileName)
	indexPath := filepath.Join(dir, IndexFileName)

	metaTmp, err := writeTemp(dir, MetadataFileName, metadata)
	if err != nil {
		return err
	}
	indexTmp, err := writeTemp(dir, IndexFileName, index)
	if err != nil {
		_ = os.Remove(metaTmp)
		return err
	}
	discardTemps := func() {
		_ = os.Remove(metaTmp)
		_ = os.Remove(indexTmp)
	}

	metaBak, err := backupFile(metaPath)
	if err != nil {
		discardTemps()
		return err
	}
	indexBak, err := backupFile(indexPath)
	if err != nil {
		discardTemps()
		removeBackup(metaBak)
		return err
	}
	defer func() {
		removeBackup(metaBak)
		removeBackup(indexBak)
	}()

	if err := renameFile(metaTmp, metaPath); err != nil {
		discardTemps()
		return err
	}
	if err := renameFile(indexTmp, indexPath); err != nil {
		_ = os.Remove(indexTmp)
		return rollback(dir, err, restoreFile(metaBak, metaPath))
	}
	if err := syncDir(dir); err != nil {
		return rollback(dir, err, restoreFile(metaBak, metaPath), restoreFile(indexBak, indexPath))
	}
	return nil
}

func rollback(dir string, cause error, restoreErrs ...error) error {
	if err := errors.Join(restoreErrs...); err != nil {
		return &rollbackError{cause: cause, restore: err}
	}
	_ = syncDir(dir)
	return cause
}

// backupFile links path to path+".bak" and returns the backup path, or "" when
// path does not exist. Filesystems without hard links get a copy.
func backupFile(path string) (string, error) {
	bak := path + ".bak"
	_ = os.Remove(bak)
	err := os.Link(path, bak)
	if err == nil {
		return bak, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(bak, data, 0o644); err != nil {
		return "", err
	}
	return bak, nil
}

// restoreFile puts bak back at path. An empty bak means path did not exist
// before the commit.
func restoreFile(bak, path string) error {
	if bak == "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return renameFile(bak, path)
}

func removeBackup(bak string) {
	if bak != "" {
		_ = os.Remove(bak)
	}
}

func writeTemp(dir, name string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

func float32SliceToBytes(s []float32) []byte {
	out := make([]byte, len(s)*4)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*4:(i+1)*4], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : (i+1)*4]))
	}
	return out
}
