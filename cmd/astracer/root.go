package main

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kolkov/astracer/cmd/astracer/instrument"
	"github.com/kolkov/astracer/cmd/astracer/toolchain"
	"github.com/kolkov/astracer/internal/config"
	"github.com/kolkov/astracer/internal/decoder"
	"github.com/kolkov/astracer/internal/log"
	"github.com/kolkov/astracer/trace"
)

func newRootCommand() *cobra.Command {
	var output string
	var is64 bool

	cmd := &cobra.Command{
		Use:   "astracer --64 -o <output> <input.s>",
		Short: "Instrument x86-64 assembly with trace probes and assemble it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAstracer(cmd.Flags())
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			logger, err := log.New(cfg.Verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			code, err := assemble(cmd.Context(), job{
				cfg:    cfg,
				fs:     afero.NewOsFs(),
				input:  args[0],
				output: output,
				stdout: cmd.OutOrStdout(),
				stderr: cmd.ErrOrStderr(),
				logger: logger,
			})
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
		Version:       trace.Version,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	flags.StringVarP(&output, "output", "o", "", "object file to write")
	flags.BoolVar(&is64, "64", false, "assemble for x86-64 (required)")
	flags.String(config.KeyStub, config.DefaultStub, "record-stub template")
	flags.String(config.KeyAssembler, config.DefaultAssembler, "assembler to run on the instrumented file")
	flags.String(config.KeyTraceDB, "", "decoder file that receives one chunk per probe")
	flags.Duration(config.KeyTraceDBTimeout, decoder.DefaultLockTimeout, "wait for other writers of the decoder file (0 waits forever)")
	flags.BoolP(config.KeyVerbose, "v", false, "debug logging")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("64")

	return cmd
}

// job is one astracer invocation.
type job struct {
	cfg    config.Astracer
	fs     afero.Fs
	input  string
	output string
	stdout io.Writer
	stderr io.Writer
	logger *zap.Logger
}

// assemble instruments j.input into a temporary file and runs the assembler
// on it. It returns the assembler's exit status. On any instrumentation
// error the temporary file is discarded and the assembler is not run.
//
// With a trace database the decoder file is locked twice: while the input is
// rewritten and its site identifiers reserved, and again to store the
// chunks once the assembler has succeeded. Parallel runs sharing the file
// never hold it across an assembler run.
func assemble(ctx context.Context, j job) (code int, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ws, err := toolchain.NewWorkspace()
	if err != nil {
		return 1, err
	}
	defer ws.Cleanup()

	opts := instrument.Options{
		Fs:       j.fs,
		StubPath: j.cfg.Stub,
		Logger:   j.logger,
	}

	tmp := ws.Path(j.input)
	var stats instrument.Stats
	var chunks []decoder.Chunk
	if j.cfg.TraceDB == "" {
		stats, err = instrumentTo(instrument.New(opts), j.input, tmp)
	} else {
		stats, chunks, err = instrumentReserved(j, opts, tmp)
	}
	if err != nil {
		return 1, err
	}
	j.logger.Debug("instrumented",
		zap.String("input", j.input),
		zap.Int("lines", stats.Lines),
		zap.Int("probes", stats.Probes),
		zap.Int("annotations", stats.AnnotationsKept),
		zap.Int("duplicates", stats.AnnotationsSuppressed),
		zap.Bool("opted_out", stats.OptedOut))

	path, err := toolchain.Resolve(j.cfg.Assembler)
	if err != nil {
		return 1, err
	}
	as := &toolchain.Assembler{Path: path, Stdout: j.stdout, Stderr: j.stderr, Logger: j.logger}
	code, err = as.Run(ctx, j.output, tmp)
	if err != nil || code != 0 {
		return code, err
	}

	if len(chunks) > 0 {
		if err := recordSites(j, chunks); err != nil {
			return 1, errors.Wrapf(err, "record trace sites in %s", j.cfg.TraceDB)
		}
		j.logger.Debug("trace sites recorded",
			zap.String("db", j.cfg.TraceDB),
			zap.Uint32("first", chunks[0].Value),
			zap.Int("count", len(chunks)))
	}
	return 0, nil
}

// instrumentReserved rewrites the input with site identifiers continuing
// the trace database and reserves them there.
func instrumentReserved(j job, opts instrument.Options, tmp string) (stats instrument.Stats, chunks []decoder.Chunk, err error) {
	db, err := decoder.CreateTimeout(j.cfg.TraceDB, j.cfg.TraceDBTimeout)
	if err != nil {
		return stats, nil, err
	}
	defer func() {
		err = multierr.Append(err, db.Close())
	}()

	opts.FirstSite, err = db.NextValue()
	if err != nil {
		return stats, nil, err
	}
	opts.OnSite = func(s instrument.Site) error {
		chunks = append(chunks, chunkOf(s))
		return nil
	}

	stats, err = instrumentTo(instrument.New(opts), j.input, tmp)
	if err != nil {
		return stats, nil, err
	}
	if err := db.Reserve(opts.FirstSite, uint32(len(chunks))); err != nil {
		return stats, nil, err
	}
	return stats, chunks, nil
}

func recordSites(j job, chunks []decoder.Chunk) (err error) {
	db, err := decoder.CreateTimeout(j.cfg.TraceDB, j.cfg.TraceDBTimeout)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, db.Close())
	}()
	return db.PutChunks(chunks)
}

func instrumentTo(r *instrument.Rewriter, input, tmp string) (instrument.Stats, error) {
	f, err := os.Create(tmp)
	if err != nil {
		return instrument.Stats{}, errors.Wrap(err, "create temp file")
	}
	stats, err := r.RewriteFile(input, f)
	return stats, multierr.Append(err, f.Close())
}

// chunkOf turns a probe into the decoder chunk the coalesced collector
// resolves its identifier with.
func chunkOf(s instrument.Site) decoder.Chunk {
	lines := make([]decoder.Line, len(s.Annotations))
	for i, a := range s.Annotations {
		lines[i] = decoder.Line{
			Path:    s.Source,
			Number:  a.Line,
			Content: strings.TrimPrefix(a.Text, " "),
		}
	}
	return decoder.Chunk{Value: s.ID, Lines: lines}
}
