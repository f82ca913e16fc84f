// Package instrument rewrites compiler-generated x86-64 assembly so that a
// record stub runs before every control-transfer instruction.
//
// The input is GNU assembler text produced with verbose annotations
// (gcc -S -fverbose-asm -ffixed-r15). The rewriter makes a single forward
// pass. Each line is classified as one of:
//
//   - OptOutMarker: "# as-tracer-ignore" on the first line; the rest of the
//     file is copied untouched.
//   - FileDirective: `	.file	"pretzel.c"`; starts a new source file.
//   - AnnotationComment: `# pretzel.c:6:     if (argc != 2) {`; queued
//     until the next probe, consecutive repeats of a line number dropped.
//   - BranchSite: a tab-indented jump, loop, call or return; a probe is
//     inserted before it.
//   - PlainLine: everything else, copied after checking that it leaves the
//     trace register alone.
//
// Example Transformation:
//
//	// INPUT:
//		.file	"pretzel.c"
//	# pretzel.c:6:     if (argc != 2) {
//		cmpl	$2, -4(%rbp)
//		jne	.L2
//
//	// OUTPUT:
//		.file	"pretzel.c"
//	# pretzel.c:6:     if (argc != 2) {
//		cmpl	$2, -4(%rbp)
//	# WANT TO RECORD: pretzel.c
//	# 6:     if (argc != 2) {
//	# BEGIN RECORD STUB
//	...stub for site 0...
//	# END RECORD STUB
//		jne	.L2
//
// Any structural violation aborts the pass with an *InstrumentationError and
// the partial output must be discarded.
//
// Thread Safety: A Rewriter is NOT thread-safe. Use one per goroutine.
package instrument

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	// OptOutDirective on the first line disables instrumentation.
	OptOutDirective = "# as-tracer-ignore"

	// TraceRegister is reserved for the record stub. The compiler must be
	// told to leave it alone (-ffixed-r15).
	TraceRegister = "%r15"

	// MaxSiteID is the largest assignable site identifier. 0xFFFFFFFF marks
	// an empty slot in the trace channels.
	MaxSiteID = math.MaxUint32 - 1

	fileDirectivePrefix = "\t.file\t\""
	annotationPrefix    = "# "
)

// Limits bounds the size of input tokens. Exceeding a limit is an
// OversizedToken error, never a truncation.
type Limits struct {
	Line    int // bytes per input line, newline included
	Path    int // bytes in a source path
	Text    int // bytes of annotation text
	Pending int // bytes of queued annotation comments between two probes
}

// DefaultLimits are the limits used when Options.Limits is zero.
var DefaultLimits = Limits{
	Line:    4096,
	Path:    1024,
	Text:    1024,
	Pending: 1 << 20,
}

// Annotation is one queued source line.
type Annotation struct {
	Line int
	Text string
}

// Site describes one inserted probe.
type Site struct {
	ID          uint32
	Source      string
	Annotations []Annotation
	Branch      Branch
}

// Options configures a Rewriter.
type Options struct {
	// Fs is where input files and the stub template are read from. Nil
	// means the OS filesystem.
	Fs afero.Fs

	// StubPath is the record-stub template. It is read again for every
	// probe.
	StubPath string

	// FirstSite is the identifier given to the first probe.
	FirstSite uint32

	// Limits overrides DefaultLimits when non-zero.
	Limits Limits

	// OnSite, if set, is called for every probe after its stub has been
	// written. An error aborts the pass.
	OnSite func(Site) error

	Logger *zap.Logger
}

// Stats summarizes one pass.
type Stats struct {
	Lines                 int  // input lines read
	Probes                int  // probes inserted
	FileDirectives        int  // file directives seen
	AnnotationsKept       int  // annotations queued for a probe
	AnnotationsSuppressed int  // annotations dropped as consecutive repeats
	OptedOut              bool // file started with the opt-out marker
}

// LineKind is the classification of one input line.
type LineKind int

const (
	PlainLine LineKind = iota
	OptOutMarker
	FileDirective
	AnnotationComment
	BranchSite
)

func (k LineKind) String() string {
	switch k {
	case OptOutMarker:
		return "opt-out marker"
	case FileDirective:
		return "file directive"
	case AnnotationComment:
		return "annotation"
	case BranchSite:
		return "branch site"
	default:
		return "plain"
	}
}

// classified is a line together with what classify extracted from it.
type classified struct {
	kind   LineKind
	path   string // FileDirective, AnnotationComment
	number int    // AnnotationComment
	text   string // AnnotationComment
	branch Branch // BranchSite
}

// Rewriter instruments assembly files.
type Rewriter struct {
	opts   Options
	limits Limits
	log    *zap.Logger

	// Per-pass state, reset by Rewrite.
	name         string
	lineNo       int
	next         uint64
	source       string
	lastLine     int
	pending      []Annotation
	pendingBytes int
	optOut       bool
	started      bool
	stats        Stats
}

// New returns a Rewriter.
func New(opts Options) *Rewriter {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	limits := opts.Limits
	if limits == (Limits{}) {
		limits = DefaultLimits
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rewriter{opts: opts, limits: limits, log: logger}
}

// RewriteFile instruments the file at path and writes the result to out.
func (r *Rewriter) RewriteFile(path string, out io.Writer) (Stats, error) {
	f, err := r.opts.Fs.Open(path)
	if err != nil {
		return Stats{}, errors.Wrap(err, "open assembly input")
	}
	defer f.Close()
	return r.Rewrite(path, f, out)
}

// Rewrite instruments in and writes the result to out. name is used in
// error positions. Every call is an independent pass whose site
// identifiers start at Options.FirstSite.
func (r *Rewriter) Rewrite(name string, in io.Reader, out io.Writer) (Stats, error) {
	r.reset(name)

	br := bufio.NewReaderSize(in, r.limits.Line)
	bw := bufio.NewWriter(out)
	for {
		raw, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return r.stats, newError(OversizedToken, r.name, r.lineNo+1, "line longer than %d bytes", r.limits.Line)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return r.stats, errors.Wrapf(err, "read %s", name)
		}
		if len(raw) > 0 {
			r.lineNo++
			r.stats.Lines++
			if perr := r.processLine(bw, string(raw)); perr != nil {
				return r.stats, perr
			}
		}
		if err != nil {
			break
		}
	}

	if len(r.pending) > 0 {
		return r.stats, newError(TrailingAnnotations, r.name, r.lineNo,
			"input ended with %d annotation(s) not followed by a control transfer", len(r.pending)).
			withSuggestion("Every function must end with a return or jump; check that the input is complete")
	}
	return r.stats, errors.Wrap(bw.Flush(), "write instrumented output")
}

func (r *Rewriter) reset(name string) {
	r.name = name
	r.lineNo = 0
	r.next = uint64(r.opts.FirstSite)
	r.source = ""
	r.lastLine = -1
	r.pending = nil
	r.pendingBytes = 0
	r.optOut = false
	r.started = false
	r.stats = Stats{}
}

func (r *Rewriter) processLine(w *bufio.Writer, line string) error {
	if r.optOut {
		_, err := w.WriteString(line)
		return err
	}

	c, err := r.classify(line)
	if err != nil {
		return err
	}

	if !r.started {
		switch {
		case c.kind == OptOutMarker:
			r.optOut = true
			r.stats.OptedOut = true
			r.log.Info("instrumentation disabled by marker", zap.String("file", r.name))
			_, err := w.WriteString(line)
			return err
		case c.kind == FileDirective:
			r.started = true
		case strings.TrimSpace(line) == "":
			_, err := w.WriteString(line)
			return err
		default:
			return newError(MisplacedDirective, r.name, r.lineNo, "expected a .file directive, found %s line %q",
				c.kind, strings.TrimRight(line, "\n")).
				withSuggestion("Feed astracer the unmodified output of the compiler (gcc -S)")
		}
	}

	switch c.kind {
	case FileDirective:
		r.source = c.path
		r.lastLine = -1
		r.clearPending()
		r.stats.FileDirectives++
		r.log.Info("instrumenting", zap.String("source", c.path), zap.String("file", r.name))

	case AnnotationComment:
		if c.path != r.source {
			return newError(ForeignAnnotation, r.name, r.lineNo,
				"annotation for %q inside %q", c.path, r.source).
				withSuggestion("Instrument one compiler output at a time; the input looks concatenated or corrupted")
		}
		if c.number == r.lastLine {
			r.stats.AnnotationsSuppressed++
			break
		}
		if err := r.queue(Annotation{Line: c.number, Text: c.text}); err != nil {
			return err
		}
		r.lastLine = c.number

	case BranchSite:
		if err := r.probe(w, c.branch); err != nil {
			return err
		}

	case PlainLine:
		if strings.Contains(line, TraceRegister) {
			return newError(ReservedRegister, r.name, r.lineNo,
				"instruction uses %s, which is reserved for tracing", TraceRegister).
				withSuggestion("Compile with -ffixed-r15 so the compiler leaves " + TraceRegister + " alone")
		}
	}

	_, err = w.WriteString(line)
	return err
}

// classify determines the kind of line. Only the opt-out marker depends on
// position; all other rules look at the line alone.
func (r *Rewriter) classify(line string) (classified, error) {
	body := strings.TrimSuffix(line, "\n")

	if r.lineNo == 1 && body == OptOutDirective {
		return classified{kind: OptOutMarker}, nil
	}

	if rest, ok := strings.CutPrefix(body, fileDirectivePrefix); ok {
		if path, ok := strings.CutSuffix(rest, `"`); ok && !strings.Contains(path, `"`) {
			if len(path) > r.limits.Path {
				return classified{}, newError(OversizedToken, r.name, r.lineNo, "source path longer than %d bytes", r.limits.Path)
			}
			return classified{kind: FileDirective, path: path}, nil
		}
	}

	if rest, ok := strings.CutPrefix(body, annotationPrefix); ok {
		path, rest, ok1 := strings.Cut(rest, ":")
		num, text, ok2 := strings.Cut(rest, ":")
		if ok1 && ok2 && isDigits(num) {
			if len(path) > r.limits.Path {
				return classified{}, newError(OversizedToken, r.name, r.lineNo, "annotation path longer than %d bytes", r.limits.Path)
			}
			if len(text) > r.limits.Text {
				return classified{}, newError(OversizedToken, r.name, r.lineNo, "annotation text longer than %d bytes", r.limits.Text)
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return classified{}, newError(OversizedToken, r.name, r.lineNo, "line number %s out of range", num)
			}
			return classified{kind: AnnotationComment, path: path, number: n, text: text}, nil
		}
	}

	if b, ok := Classify(body); ok {
		return classified{kind: BranchSite, branch: b}, nil
	}
	return classified{kind: PlainLine}, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (r *Rewriter) queue(a Annotation) error {
	n := len(formatAnnotation(a))
	if r.pendingBytes+n > r.limits.Pending {
		return newError(OversizedToken, r.name, r.lineNo,
			"more than %d bytes of annotations without a control transfer", r.limits.Pending)
	}
	r.pending = append(r.pending, a)
	r.pendingBytes += n
	r.stats.AnnotationsKept++
	return nil
}

func (r *Rewriter) clearPending() {
	r.pending = nil
	r.pendingBytes = 0
}

func formatAnnotation(a Annotation) string {
	return fmt.Sprintf("# %d: %s\n", a.Line, a.Text)
}

// probe writes the diagnostics and the record stub for the next site.
func (r *Rewriter) probe(w *bufio.Writer, b Branch) error {
	if r.next > MaxSiteID {
		return newError(SiteOverflow, r.name, r.lineNo, "more than %d trace sites", uint64(MaxSiteID)+1)
	}
	id := uint32(r.next)

	stub, err := r.loadStub()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "# WANT TO RECORD: %s\n", r.source)
	for _, a := range r.pending {
		_, _ = w.WriteString(formatAnnotation(a))
	}
	_, _ = w.WriteString("# BEGIN RECORD STUB\n")
	if err := stub.Execute(w, id); err != nil {
		return err
	}
	if _, err := w.WriteString("# END RECORD STUB\n"); err != nil {
		return errors.Wrap(err, "write instrumented output")
	}

	if r.opts.OnSite != nil {
		site := Site{ID: id, Source: r.source, Annotations: r.pending, Branch: b}
		if err := r.opts.OnSite(site); err != nil {
			return errors.Wrapf(err, "%s:%d: record site %d", r.name, r.lineNo, id)
		}
	}

	r.log.Debug("probe inserted",
		zap.Uint32("site", id),
		zap.String("mnemonic", b.Mnemonic),
		zap.Int("annotations", len(r.pending)),
		zap.Int("line", r.lineNo))

	r.next++
	r.stats.Probes++
	r.lastLine = -1
	r.clearPending()
	return nil
}

func (r *Rewriter) loadStub() (*StubTemplate, error) {
	src, err := afero.ReadFile(r.opts.Fs, r.opts.StubPath)
	if err != nil {
		return nil, errors.Wrap(err, "read record stub")
	}
	return ParseStubTemplate(r.opts.StubPath, src)
}
