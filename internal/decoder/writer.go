package decoder

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v4"
	bolt "go.etcd.io/bbolt"
)

// ErrExists is returned by Writer.PutChunk when the value already has a
// chunk. Two instrumentation runs sharing one decoder file would otherwise
// silently overwrite each other's sites.
var ErrExists = errors.New("decoder chunk already exists")

// DefaultLockTimeout is how long Create waits for another writer to release
// the file. Parallel builds sharing one decoder file queue up behind each
// other for at most this long.
const DefaultLockTimeout = 2 * time.Minute

// reservedKey in the meta bucket holds one past the largest value handed out
// by Reserve, as a big-endian uint64.
const reservedKey = "reserved"

// Writer adds chunks to a decoder file, creating it if needed.
//
// A Writer holds an exclusive lock on the file until Close. Keep it open only
// for short bursts of work.
//
// Thread Safety: safe for concurrent use; bbolt serializes writers.
type Writer struct {
	db *bolt.DB
}

// Create opens or creates the decoder file at path for writing, waiting up to
// DefaultLockTimeout for other writers.
func Create(path string) (*Writer, error) {
	return CreateTimeout(path, DefaultLockTimeout)
}

// CreateTimeout is Create with an explicit lock timeout. A timeout of 0 waits
// indefinitely.
func CreateTimeout(path string, timeout time.Duration) (*Writer, error) {
	if timeout < 0 {
		return nil, errors.Errorf("decoder: negative lock timeout %v", timeout)
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open decoder %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		if meta.Get([]byte(formatKey)) == nil {
			if err := meta.Put([]byte(formatKey), []byte(FormatVersion)); err != nil {
				return err
			}
		}
		for _, name := range []string{chunkBucket, lineBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return checkFormat(tx)
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "initialize decoder %s", path)
	}
	return &Writer{db: db}, nil
}

// Chunk is one value together with the source lines it stands for.
type Chunk struct {
	Value uint32
	Lines []Line
}

// PutChunk stores lines and maps value to their identifiers, in order, in a
// single transaction.
func (w *Writer) PutChunk(value uint32, lines []Line) error {
	return w.PutChunks([]Chunk{{Value: value, Lines: lines}})
}

// PutChunks stores all chunks in a single transaction. Either every chunk is
// written or none is.
func (w *Writer) PutChunks(chunks []Chunk) error {
	return w.db.Update(func(tx *bolt.Tx) error {
		for _, c := range chunks {
			if err := putChunk(tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func putChunk(tx *bolt.Tx, c Chunk) error {
	chunks := tx.Bucket([]byte(chunkBucket))
	if chunks.Get(key(c.Value)) != nil {
		return errors.Wrapf(ErrExists, "chunk %d", c.Value)
	}

	records := tx.Bucket([]byte(lineBucket))
	ids := make([]uint32, 0, len(c.Lines))
	for _, line := range c.Lines {
		seq, err := records.NextSequence()
		if err != nil {
			return err
		}
		if seq > uint64(^uint32(0)) {
			return errors.Errorf("decoder: line identifier space exhausted")
		}
		id := uint32(seq)
		raw, err := msgpack.Marshal(line)
		if err != nil {
			return errors.Wrapf(err, "encode line %d", id)
		}
		if err := records.Put(key(id), raw); err != nil {
			return err
		}
		ids = append(ids, id)
	}

	raw, err := msgpack.Marshal(ids)
	if err != nil {
		return errors.Wrapf(err, "encode chunk %d", c.Value)
	}
	return chunks.Put(key(c.Value), raw)
}

// NextValue returns the first value that is neither stored nor reserved, or
// 0 for an empty file. Instrumentation runs that share a decoder file start
// their site identifiers here.
func (w *Writer) NextValue() (uint32, error) {
	var next uint32
	err := w.db.View(func(tx *bolt.Tx) error {
		var err error
		next, err = nextValue(tx)
		return err
	})
	return next, err
}

// Reserve marks count values starting at first as taken, so that later
// NextValue calls skip them even before their chunks are written. first must
// be the current NextValue.
func (w *Writer) Reserve(first, count uint32) error {
	return w.db.Update(func(tx *bolt.Tx) error {
		next, err := nextValue(tx)
		if err != nil {
			return err
		}
		if next != first {
			return errors.Errorf("decoder: reservation at %d is stale, next value is %d", first, next)
		}
		end := uint64(first) + uint64(count)
		if end > uint64(^uint32(0)) {
			return errors.New("decoder: chunk value space exhausted")
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, end)
		return tx.Bucket([]byte(metaBucket)).Put([]byte(reservedKey), buf)
	})
}

func nextValue(tx *bolt.Tx) (uint32, error) {
	var next uint64
	if raw := tx.Bucket([]byte(metaBucket)).Get([]byte(reservedKey)); raw != nil {
		if len(raw) != 8 {
			return 0, errors.Wrapf(ErrFormat, "reservation of %d bytes", len(raw))
		}
		next = binary.BigEndian.Uint64(raw)
	}

	k, _ := tx.Bucket([]byte(chunkBucket)).Cursor().Last()
	if k != nil {
		if len(k) != keySize {
			return 0, errors.Wrapf(ErrFormat, "chunk key of %d bytes", len(k))
		}
		if last := uint64(binary.BigEndian.Uint32(k)) + 1; last > next {
			next = last
		}
	}
	if next > uint64(^uint32(0))-1 {
		return 0, errors.New("decoder: chunk value space exhausted")
	}
	return uint32(next), nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	return w.db.Close()
}
