package toolchain

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestArgs(t *testing.T) {
	assert.Equal(t, []string{"--64", "-o", "out.o", "in.s"}, Args("out.o", "in.s"))
}

func TestAssembler_Run(t *testing.T) {
	dir := t.TempDir()
	fake := writeScript(t, dir, "as", `[ "$1" = "--64" ] && [ "$2" = "-o" ] && cp "$4" "$3"`)

	in := filepath.Join(dir, "in.s")
	out := filepath.Join(dir, "out.o")
	require.NoError(t, os.WriteFile(in, []byte("\tret\n"), 0o644))

	a := &Assembler{Path: fake}
	code, err := a.Run(context.Background(), out, in)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "\tret\n", string(got))
}

func TestAssembler_ExitStatusPropagated(t *testing.T) {
	dir := t.TempDir()
	fake := writeScript(t, dir, "as", `echo "bad operand" >&2; exit 3`)

	var stderr bytes.Buffer
	a := &Assembler{Path: fake, Stderr: &stderr}
	code, err := a.Run(context.Background(), "out.o", "in.s")
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "bad operand\n", stderr.String())
}

func TestAssembler_KilledBySignal(t *testing.T) {
	fake := writeScript(t, t.TempDir(), "as", "kill -TERM $$")

	core, logs := observer.New(zap.WarnLevel)
	a := &Assembler{Path: fake, Logger: zap.New(core)}
	code, err := a.Run(context.Background(), "out.o", "in.s")
	require.NoError(t, err)
	assert.Equal(t, 128+15, code)

	entries := logs.FilterMessage("assembler killed by signal").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "terminated", entries[0].ContextMap()["signal"])
}

func TestAssembler_NotRunnable(t *testing.T) {
	a := &Assembler{Path: filepath.Join(t.TempDir(), "missing")}
	code, err := a.Run(context.Background(), "out.o", "in.s")
	require.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestResolve(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)

	first := t.TempDir()
	second := t.TempDir()
	require.NoError(t, os.Symlink(self, filepath.Join(first, "as")))
	want := writeScript(t, second, "as", "exit 0")
	require.NoError(t, os.WriteFile(filepath.Join(first, "notexec"), nil, 0o644))

	t.Setenv("PATH", first+string(os.PathListSeparator)+second)

	got, err := Resolve("as")
	require.NoError(t, err)
	assert.Equal(t, want, got, "the running program is skipped")

	_, err = Resolve("notexec")
	require.Error(t, err)

	got, err = Resolve("/usr/bin/as")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/as", got)
}

func TestWorkspace(t *testing.T) {
	w, err := NewWorkspace()
	require.NoError(t, err)

	p := w.Path("../../etc/pretzel.s")
	assert.Equal(t, filepath.Join(w.Dir(), "pretzel.s"), p)
	require.NoError(t, os.WriteFile(p, nil, 0o644))

	w.Cleanup()
	_, err = os.Stat(w.Dir())
	assert.True(t, os.IsNotExist(err))
}
