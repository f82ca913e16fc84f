// Package main implements astracer, an assembler front-end that instruments
// every control transfer before handing the file to the real assembler.
//
// astracer accepts the same invocation gcc uses for "as", so it can be put
// in front of the system assembler with -B:
//
//	gcc -S -fverbose-asm -ffixed-r15 pretzel.c
//	astracer --64 -o pretzel.o pretzel.s
//
// The instrumented file is assembled with "as --64 -o <out> <tmp>" and the
// assembler's exit status becomes astracer's exit status. Settings that a
// compiler driver cannot pass on the command line come from the environment:
//
//	ASTRACER_STUB        record-stub template (default asm/x86_64_record_stub.s)
//	ASTRACER_ASSEMBLER   assembler to run (default as)
//	ASTRACER_TRACE_DB    decoder file receiving one chunk per probe
//	ASTRACER_VERBOSE     debug logging
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/kolkov/astracer/internal/log"
)

func main() {
	err := newRootCommand().Execute()
	if err == nil {
		return
	}

	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	log.Fatal("astracer", err)
}

// exitError carries the assembler's exit status out of the command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("assembler exited with status %d", e.code)
}
