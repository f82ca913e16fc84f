// Package main implements tracer, the collector for trace channels written
// by instrumented programs.
//
// Usage:
//
//	tracer raw <pid>                  # print raw values, one line per buffer
//	tracer coalesced <pid> <decoder>  # print decoded source lines per thread
//	tracer version
//
// tracer attaches to the channel of process <pid>, prints every buffer the
// process hands over and exits with status 0 once the process is gone.
// Settings: --shm-dir/TRACER_SHM_DIR, --poll/TRACER_POLL,
// --cache-size/TRACER_CACHE_SIZE, --verbose/TRACER_VERBOSE.
package main

import "github.com/kolkov/astracer/internal/log"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal("tracer", err)
	}
}
