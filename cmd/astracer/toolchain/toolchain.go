// Package toolchain runs the system assembler on instrumented output.
//
// astracer is meant to be installed in place of "as" (gcc -B<dir>), so the
// real assembler has to be found without finding astracer itself.
package toolchain

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Assembler invokes a GNU-compatible assembler.
type Assembler struct {
	// Path is the assembler executable.
	Path string

	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

// Args returns the assembler arguments for assembling in into out. The
// convention is fixed: explicit 64-bit target and explicit output path.
func Args(out, in string) []string {
	return []string{"--64", "-o", out, in}
}

// Run assembles in into out and returns the assembler's exit status.
//
// Returns:
//   - exit code of the assembler (0 = success), or 128+signal if the
//     assembler was killed by a signal, as a shell reports it
//   - error only if the assembler could not be run at all
func (a *Assembler) Run(ctx context.Context, out, in string) (int, error) {
	args := Args(out, in)
	cmd := exec.CommandContext(ctx, a.Path, args...)
	cmd.Stdout = a.Stdout
	cmd.Stderr = a.Stderr

	if a.Logger != nil {
		a.Logger.Debug("running assembler", zap.String("path", a.Path), zap.Strings("args", args))
	}

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return a.exitCode(exitErr), nil
		}
		return 1, errors.Wrapf(err, "run assembler %s", a.Path)
	}
	return 0, nil
}

func (a *Assembler) exitCode(exitErr *exec.ExitError) int {
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return exitErr.ExitCode()
	}
	if a.Logger != nil {
		a.Logger.Warn("assembler killed by signal",
			zap.String("path", a.Path), zap.Stringer("signal", ws.Signal()))
	}
	return 128 + int(ws.Signal())
}

// Resolve finds the executable name in PATH, skipping any entry that is the
// running program. A name containing a slash is returned unchanged.
func Resolve(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		return name, nil
	}

	var self os.FileInfo
	if exe, err := os.Executable(); err == nil {
		self, _ = os.Stat(exe)
	}

	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		fi, err := os.Stat(candidate)
		if err != nil || fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
			continue
		}
		if self != nil && os.SameFile(fi, self) {
			continue
		}
		return candidate, nil
	}
	return "", errors.Errorf("assembler %q not found in PATH", name)
}

// Workspace is a temporary directory for intermediate files.
type Workspace struct {
	dir string
}

// NewWorkspace creates a temporary workspace.
func NewWorkspace() (*Workspace, error) {
	dir, err := os.MkdirTemp("", "astracer-*")
	if err != nil {
		return nil, errors.Wrap(err, "create temp directory")
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Path returns the path of name inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, filepath.Base(name))
}

// Cleanup removes the workspace and everything in it.
func (w *Workspace) Cleanup() {
	if w.dir != "" {
		_ = os.RemoveAll(w.dir) // Best effort cleanup, ignore errors
	}
}
