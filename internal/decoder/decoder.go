// Package decoder resolves recorded trace values back to source lines.
//
// A decoder file is a bbolt database with three buckets:
//
//	meta    "format" → semantic version of the file format
//	chunks  u32 value → msgpack []uint32 line identifiers, in source order
//	lines   u32 id    → msgpack Line{Path, Number, Content}
//
// Keys are big-endian so that bucket iteration follows numeric order. The
// collector opens a decoder once at startup and keeps it for its lifetime.
package decoder

import (
	"encoding/binary"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v4"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/mod/semver"
)

// FormatVersion is the decoder file format written by this package. Files
// with the same major version are readable.
const FormatVersion = "v1.0.0"

const (
	metaBucket  = "meta"
	chunkBucket = "chunks"
	lineBucket  = "lines"
	formatKey   = "format"
	openTimeout = time.Second
	keySize     = 4
)

// DefaultCacheSize is the default number of cached line records.
const DefaultCacheSize = 4096

var (
	// ErrNotFound is returned when a chunk or line lookup misses. For a
	// collector this means the decoder does not belong to the traced binary.
	ErrNotFound = errors.New("decoder record not found")

	// ErrFormat is returned when the file is not a decoder file or has an
	// incompatible format version.
	ErrFormat = errors.New("unsupported decoder file format")
)

// Line is one resolved source line.
type Line struct {
	Path    string `msgpack:"path"`
	Number  int    `msgpack:"line"`
	Content string `msgpack:"content"`
}

func (l Line) String() string {
	return fmt.Sprintf("%s:%d: %s", l.Path, l.Number, l.Content)
}

// Decoder is a read-only view of a decoder file.
//
// Thread Safety: safe for concurrent use.
type Decoder struct {
	db    *bolt.DB
	lines *lru.Cache[uint32, Line]
}

// Open opens the decoder file at path read-only. cacheSize bounds the number
// of line records kept in memory; zero disables caching.
func Open(path string, cacheSize int) (*Decoder, error) {
	db, err := bolt.Open(path, 0o400, &bolt.Options{ReadOnly: true, Timeout: openTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open decoder %s", path)
	}

	d := &Decoder{db: db}
	if err := db.View(func(tx *bolt.Tx) error {
		return checkFormat(tx)
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "decoder %s", path)
	}

	if cacheSize > 0 {
		d.lines, err = lru.New[uint32, Line](cacheSize)
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "create line cache")
		}
	}
	return d, nil
}

func checkFormat(tx *bolt.Tx) error {
	meta := tx.Bucket([]byte(metaBucket))
	if meta == nil {
		return errors.Wrap(ErrFormat, "missing meta bucket")
	}
	version := string(meta.Get([]byte(formatKey)))
	if !semver.IsValid(version) {
		return errors.Wrapf(ErrFormat, "invalid format version %q", version)
	}
	if semver.Major(version) != semver.Major(FormatVersion) {
		return errors.Wrapf(ErrFormat, "format %s, supported %s", version, semver.Major(FormatVersion))
	}
	for _, name := range []string{chunkBucket, lineBucket} {
		if tx.Bucket([]byte(name)) == nil {
			return errors.Wrapf(ErrFormat, "missing %s bucket", name)
		}
	}
	return nil
}

// Chunk returns the ordered line identifiers recorded for value.
func (d *Decoder) Chunk(value uint32) ([]uint32, error) {
	var ids []uint32
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(chunkBucket)).Get(key(value))
		if raw == nil {
			return errors.Wrapf(ErrNotFound, "chunk %d", value)
		}
		return errors.Wrapf(msgpack.Unmarshal(raw, &ids), "decode chunk %d", value)
	})
	return ids, err
}

// Line returns the line record with identifier id.
func (d *Decoder) Line(id uint32) (Line, error) {
	if d.lines != nil {
		if line, ok := d.lines.Get(id); ok {
			return line, nil
		}
	}

	var line Line
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(lineBucket)).Get(key(id))
		if raw == nil {
			return errors.Wrapf(ErrNotFound, "line %d", id)
		}
		return errors.Wrapf(msgpack.Unmarshal(raw, &line), "decode line %d", id)
	})
	if err != nil {
		return Line{}, err
	}

	if d.lines != nil {
		d.lines.Add(id, line)
	}
	return line, nil
}

// Close closes the underlying file.
func (d *Decoder) Close() error {
	return d.db.Close()
}

func key(v uint32) []byte {
	var b [keySize]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}
