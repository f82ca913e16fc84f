package trace

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/kolkov/astracer/internal/shm"
	"github.com/kolkov/astracer/internal/tracechan"
)

// DefaultDir is where channels are created unless Options.Dir says
// otherwise.
const DefaultDir = shm.DefaultDir

// Mode selects the channel kind.
type Mode int

const (
	// Raw is a single-producer channel of bare values.
	Raw Mode = iota
	// Coalesced is a multi-producer channel of (thread, value) pairs.
	Coalesced
)

func (m Mode) String() string {
	if m == Coalesced {
		return "coalesced"
	}
	return "raw"
}

// Options locate the channel.
type Options struct {
	// Dir holds the channel file. Empty means DefaultDir.
	Dir string
	// PID names the channel. Zero means the current process.
	PID int
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = DefaultDir
	}
	if o.PID == 0 {
		o.PID = os.Getpid()
	}
	return o
}

// Recorder is an open trace channel.
type Recorder interface {
	// Record appends value to the channel. It blocks while a full buffer
	// waits for the collector.
	Record(value uint32) error
	// Path returns the channel's file.
	Path() string
	// Close removes the channel. Values in a partially filled buffer are
	// dropped.
	Close() error
}

// Open creates the channel of the given mode. Both kinds of Recorder are
// safe for concurrent use; a Raw recorder serializes its callers.
func Open(mode Mode, opts Options) (Recorder, error) {
	opts = opts.withDefaults()
	switch mode {
	case Raw:
		p, err := tracechan.CreateRaw(opts.Dir, opts.PID)
		if err != nil {
			return nil, err
		}
		return &serialized{r: p}, nil
	case Coalesced:
		p, err := tracechan.CreateCoalesced(opts.Dir, opts.PID)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, errors.Errorf("trace: unknown mode %d", int(mode))
	}
}

// serialized makes a single-producer channel safe for concurrent Record
// calls.
type serialized struct {
	mu sync.Mutex
	r  Recorder
}

func (s *serialized) Record(value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Record(value)
}

func (s *serialized) Path() string { return s.r.Path() }

func (s *serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Close()
}

var (
	mu       sync.RWMutex
	recorder Recorder
)

// Init creates the process-wide channel in DefaultDir. Calling Init again
// before Fini is an error.
func Init(mode Mode) error {
	return InitWith(mode, Options{})
}

// InitWith is Init with explicit options.
func InitWith(mode Mode, opts Options) error {
	mu.Lock()
	defer mu.Unlock()
	if recorder != nil {
		return errors.New("trace: already initialized")
	}
	r, err := Open(mode, opts)
	if err != nil {
		return err
	}
	recorder = r
	return nil
}

// Record records value on the process-wide channel. It is a no-op before
// Init and after Fini. Safe for concurrent use in both modes; Fini waits for
// calls in progress.
func Record(value uint32) error {
	mu.RLock()
	defer mu.RUnlock()
	if recorder == nil {
		return nil
	}
	return recorder.Record(value)
}

// Fini removes the process-wide channel.
func Fini() error {
	mu.Lock()
	defer mu.Unlock()
	if recorder == nil {
		return nil
	}
	err := recorder.Close()
	recorder = nil
	return err
}
