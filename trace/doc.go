// Package trace lets a Go program act as a traced process: it creates the
// shared-memory trace channel for its own PID and records event values into
// it, exactly as an instrumented native binary does.
//
// # Quick Start
//
//	func main() {
//		if err := trace.Init(trace.Coalesced); err != nil {
//			log.Fatal(err)
//		}
//		defer trace.Fini()
//
//		trace.Record(7)
//	}
//
// Then, from another terminal:
//
//	$ tracer coalesced <pid> trace.db
//
// # Channels
//
// A [Raw] channel carries bare values from a single goroutine and is read
// with "tracer raw". A [Coalesced] channel carries (thread, value) pairs from
// any number of goroutines and is read with "tracer coalesced", which
// resolves every value through a decoder file.
//
// Recording blocks whenever the channel's buffer is full and no collector
// has taken it yet. Run a collector, or record fewer values than one
// buffer holds.
//
// # Compatibility
//
// Platform support:
//   - Operating systems: Linux
//   - Architecture: amd64
//   - Semaphores are binary compatible with glibc sem_t, so a C tracee and
//     a Go collector (or the reverse) interoperate.
package trace
