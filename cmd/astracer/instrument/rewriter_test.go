package instrument

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testStubPath = "asm/stub.s"
	testStub     = "\tmovl\t?TRACE_BLOCK_ID?, %r15d\n.Lrec?NONCE?:\n"
)

// pretzel is trimmed gcc -S -fverbose-asm output.
const pretzel = "\t.file\t\"pretzel.c\"\n" +
	"\t.text\n" +
	"\t.globl\tmain\n" +
	"main:\n" +
	"# pretzel.c:5: int main(int argc, char **argv) {\n" +
	"\tpushq\t%rbp\t#\n" +
	"\tmovq\t%rsp, %rbp\t#,\n" +
	"# pretzel.c:6:     if (argc != 2) {\n" +
	"\tcmpl\t$2, -4(%rbp)\t#, argc\n" +
	"# pretzel.c:6:     if (argc != 2) {\n" +
	"\tjne\t.L2\t#,\n" +
	"# pretzel.c:7:         return 1;\n" +
	"\tmovl\t$1, %eax\t#, _1\n" +
	"\tjmp\t.L3\t#\n" +
	".L2:\n" +
	"# pretzel.c:9:     return 0;\n" +
	"\tmovl\t$0, %eax\t#, _1\n" +
	".L3:\n" +
	"# pretzel.c:10: }\n" +
	"\tpopq\t%rbp\t#\n" +
	"\tret\t\n"

func newTestRewriter(t *testing.T, opts Options) (*Rewriter, afero.Fs) {
	t.Helper()
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewMemMapFs()
		opts.Fs = fs
	}
	if opts.StubPath == "" {
		opts.StubPath = testStubPath
		require.NoError(t, afero.WriteFile(fs, testStubPath, []byte(testStub), 0o644))
	}
	return New(opts), fs
}

func rewrite(t *testing.T, r *Rewriter, in string) (string, Stats, error) {
	t.Helper()
	var out bytes.Buffer
	stats, err := r.Rewrite("pretzel.s", strings.NewReader(in), &out)
	return out.String(), stats, err
}

// stripProbes removes every inserted probe block from instrumented output.
func stripProbes(out string) (string, int) {
	var b strings.Builder
	probes := 0
	inProbe := false
	for _, line := range strings.SplitAfter(out, "\n") {
		switch {
		case strings.HasPrefix(line, "# WANT TO RECORD: "):
			inProbe = true
			probes++
		case inProbe && line == "# END RECORD STUB\n":
			inProbe = false
		case !inProbe:
			b.WriteString(line)
		}
	}
	return b.String(), probes
}

func TestRewrite_Pretzel(t *testing.T) {
	r, _ := newTestRewriter(t, Options{})
	out, stats, err := rewrite(t, r, pretzel)
	require.NoError(t, err)

	want := "\t.file\t\"pretzel.c\"\n" +
		"\t.text\n" +
		"\t.globl\tmain\n" +
		"main:\n" +
		"# pretzel.c:5: int main(int argc, char **argv) {\n" +
		"\tpushq\t%rbp\t#\n" +
		"\tmovq\t%rsp, %rbp\t#,\n" +
		"# pretzel.c:6:     if (argc != 2) {\n" +
		"\tcmpl\t$2, -4(%rbp)\t#, argc\n" +
		"# pretzel.c:6:     if (argc != 2) {\n" +
		"# WANT TO RECORD: pretzel.c\n" +
		"# 5:  int main(int argc, char **argv) {\n" +
		"# 6:      if (argc != 2) {\n" +
		"# BEGIN RECORD STUB\n" +
		"\tmovl\t$0, %r15d\n" +
		".Lrec0:\n" +
		"# END RECORD STUB\n" +
		"\tjne\t.L2\t#,\n" +
		"# pretzel.c:7:         return 1;\n" +
		"\tmovl\t$1, %eax\t#, _1\n" +
		"# WANT TO RECORD: pretzel.c\n" +
		"# 7:          return 1;\n" +
		"# BEGIN RECORD STUB\n" +
		"\tmovl\t$1, %r15d\n" +
		".Lrec1:\n" +
		"# END RECORD STUB\n" +
		"\tjmp\t.L3\t#\n" +
		".L2:\n" +
		"# pretzel.c:9:     return 0;\n" +
		"\tmovl\t$0, %eax\t#, _1\n" +
		".L3:\n" +
		"# pretzel.c:10: }\n" +
		"\tpopq\t%rbp\t#\n" +
		"# WANT TO RECORD: pretzel.c\n" +
		"# 9:      return 0;\n" +
		"# 10:  }\n" +
		"# BEGIN RECORD STUB\n" +
		"\tmovl\t$2, %r15d\n" +
		".Lrec2:\n" +
		"# END RECORD STUB\n" +
		"\tret\t\n"
	if diff := cmp.Diff(strings.Split(want, "\n"), strings.Split(out, "\n")); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, Stats{
		Lines:                 21,
		Probes:                3,
		FileDirectives:        1,
		AnnotationsKept:       5,
		AnnotationsSuppressed: 1,
	}, stats)
}

func TestRewrite_CopiesEveryLineAndProbesOnlyBranches(t *testing.T) {
	r, _ := newTestRewriter(t, Options{})
	out, _, err := rewrite(t, r, pretzel)
	require.NoError(t, err)

	stripped, probes := stripProbes(out)
	assert.Equal(t, pretzel, stripped)

	branches := 0
	for _, line := range strings.SplitAfter(pretzel, "\n") {
		if _, ok := Classify(line); ok {
			branches++
		}
	}
	assert.Equal(t, branches, probes)

	// Each probe block is immediately followed by the branch it guards.
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if line == "# END RECORD STUB" {
			_, ok := Classify(lines[i+1])
			assert.True(t, ok, "line after probe %q", lines[i+1])
		}
	}
}

func TestRewrite_SiteIdentifiers(t *testing.T) {
	var sites []Site
	r, _ := newTestRewriter(t, Options{OnSite: func(s Site) error {
		sites = append(sites, s)
		return nil
	}})

	var in strings.Builder
	in.WriteString("\t.file\t\"loop.c\"\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&in, "# loop.c:%d: step();\n\tcall\tstep\n", i+1)
	}
	_, stats, err := rewrite(t, r, in.String())
	require.NoError(t, err)
	require.Equal(t, 10, stats.Probes)
	require.Len(t, sites, 10)

	for n, s := range sites {
		assert.Equal(t, uint32(n), s.ID)
		assert.Equal(t, "loop.c", s.Source)
		assert.Equal(t, "call", s.Branch.Mnemonic)
		assert.Equal(t, []Annotation{{Line: n + 1, Text: " step();"}}, s.Annotations)
	}

	// A second pass starts over.
	sites = nil
	_, _, err = rewrite(t, r, in.String())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), sites[0].ID)
}

func TestRewrite_FirstSite(t *testing.T) {
	var ids []uint32
	r, _ := newTestRewriter(t, Options{FirstSite: 40, OnSite: func(s Site) error {
		ids = append(ids, s.ID)
		return nil
	}})

	out, _, err := rewrite(t, r, "\t.file\t\"a.c\"\n\tcall\tf\n\tret\n")
	require.NoError(t, err)
	assert.Equal(t, []uint32{40, 41}, ids)
	assert.Contains(t, out, "\tmovl\t$41, %r15d\n")
}

func TestRewrite_DuplicateAnnotations(t *testing.T) {
	var sites []Site
	r, _ := newTestRewriter(t, Options{OnSite: func(s Site) error {
		sites = append(sites, s)
		return nil
	}})

	in := "\t.file\t\"a.c\"\n" + strings.Repeat("# a.c:12:   x++;\n\taddl\t$1, %eax\n", 5) + "\tret\n"
	_, stats, err := rewrite(t, r, in)
	require.NoError(t, err)

	require.Len(t, sites, 1)
	assert.Equal(t, []Annotation{{Line: 12, Text: "   x++;"}}, sites[0].Annotations)
	assert.Equal(t, 1, stats.AnnotationsKept)
	assert.Equal(t, 4, stats.AnnotationsSuppressed)
}

func TestRewrite_AnnotationResetAfterProbe(t *testing.T) {
	var sites []Site
	r, _ := newTestRewriter(t, Options{OnSite: func(s Site) error {
		sites = append(sites, s)
		return nil
	}})

	// The same source line on both sides of a branch belongs to both probes.
	in := "\t.file\t\"a.c\"\n" +
		"# a.c:3: while (x) x--;\n\tjmp\t.L1\n" +
		"# a.c:3: while (x) x--;\n\tret\n"
	_, _, err := rewrite(t, r, in)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Len(t, sites[1].Annotations, 1)
}

func TestRewrite_OptOut(t *testing.T) {
	in := OptOutDirective + "\n" +
		"\tmovq\t%r15, %rax\n" +
		"# other.c:1: anything\n" +
		"\tjmp\t.L1\n" +
		"no trailing newline"

	r, _ := newTestRewriter(t, Options{})
	out, stats, err := rewrite(t, r, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, stats.OptedOut)
	assert.Zero(t, stats.Probes)
}

func TestRewrite_OptOutOnlyOnFirstLine(t *testing.T) {
	r, _ := newTestRewriter(t, Options{})
	_, _, err := rewrite(t, r, "\t.file\t\"a.c\"\n"+OptOutDirective+"\n\tjmp\t.L1\n")
	require.NoError(t, err, "a later marker is an ordinary comment")

	_, _, err = rewrite(t, r, "\n"+OptOutDirective+"\n")
	assert.Equal(t, MisplacedDirective, KindOf(err))
}

func TestRewrite_LeadingBlankLines(t *testing.T) {
	r, _ := newTestRewriter(t, Options{})
	in := "\n  \n\t.file\t\"a.c\"\n\tret\n"
	out, _, err := rewrite(t, r, in)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "\n  \n\t.file\t\"a.c\"\n"))
}

func TestRewrite_NonNumericCommentIsPlain(t *testing.T) {
	r, _ := newTestRewriter(t, Options{})
	in := "\t.file\t\"a.c\"\n# GNU C17: options passed: -O0\n\tret\n"
	out, stats, err := rewrite(t, r, in)
	require.NoError(t, err)
	assert.Zero(t, stats.AnnotationsKept)
	assert.Contains(t, out, "# GNU C17: options passed: -O0\n")
}

func TestRewrite_FileDirectiveResetsState(t *testing.T) {
	var sites []Site
	r, _ := newTestRewriter(t, Options{OnSite: func(s Site) error {
		sites = append(sites, s)
		return nil
	}})

	in := "\t.file\t\"a.c\"\n" +
		"# a.c:1: one\n" +
		"\t.file\t\"b.c\"\n" +
		"# b.c:1: two\n" +
		"\tret\n"
	_, stats, err := rewrite(t, r, in)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FileDirectives)
	require.Len(t, sites, 1)
	assert.Equal(t, "b.c", sites[0].Source)
	assert.Equal(t, []Annotation{{Line: 1, Text: " two"}}, sites[0].Annotations)
}

func TestRewrite_StubReadPerProbe(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testStubPath, []byte("\tnop # first\n"), 0o644))

	r, _ := newTestRewriter(t, Options{
		Fs:       fs,
		StubPath: testStubPath,
		OnSite: func(Site) error {
			return afero.WriteFile(fs, testStubPath, []byte("\tnop # second\n"), 0o644)
		},
	})
	out, _, err := rewrite(t, r, "\t.file\t\"a.c\"\n\tcall\tf\n\tret\n")
	require.NoError(t, err)
	assert.Contains(t, out, "# first\n")
	assert.Contains(t, out, "# second\n")
}

func TestRewrite_OnSiteError(t *testing.T) {
	boom := errors.New("database is full")
	r, _ := newTestRewriter(t, Options{OnSite: func(Site) error { return boom }})

	_, _, err := rewrite(t, r, "\t.file\t\"a.c\"\n\tret\n")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "pretzel.s:2")
}

func TestRewrite_MissingStub(t *testing.T) {
	r := New(Options{Fs: afero.NewMemMapFs(), StubPath: "nope.s"})
	_, err := r.Rewrite("a.s", strings.NewReader("\t.file\t\"a.c\"\n\tret\n"), &bytes.Buffer{})
	require.Error(t, err)
	assert.Zero(t, KindOf(err))
}

func TestRewrite_Violations(t *testing.T) {
	small := Limits{Line: 64, Path: 8, Text: 16, Pending: 64}

	tests := []struct {
		name     string
		in       string
		limits   Limits
		stub     string
		first    uint32
		wantKind Kind
		wantLine int
	}{
		{
			name:     "missing file directive",
			in:       "\t.text\n\t.file\t\"a.c\"\n",
			wantKind: MisplacedDirective,
			wantLine: 1,
		},
		{
			name:     "file directive with trailing text",
			in:       "\t.file\t\"a.c\" junk\n",
			wantKind: MisplacedDirective,
			wantLine: 1,
		},
		{
			name:     "foreign annotation",
			in:       "\t.file\t\"a.c\"\n# b.c:1: x\n\tret\n",
			wantKind: ForeignAnnotation,
			wantLine: 2,
		},
		{
			name:     "reserved register",
			in:       "\t.file\t\"a.c\"\n\tmovq\t%r15, %rax\n\tret\n",
			wantKind: ReservedRegister,
			wantLine: 2,
		},
		{
			name:     "trailing annotations",
			in:       "\t.file\t\"a.c\"\n\tret\n# a.c:9: }\n",
			wantKind: TrailingAnnotations,
			wantLine: 3,
		},
		{
			name:     "line too long",
			in:       "\t.file\t\"a.c\"\n# " + strings.Repeat("x", 80) + "\n",
			limits:   small,
			wantKind: OversizedToken,
			wantLine: 2,
		},
		{
			name:     "path too long",
			in:       "\t.file\t\"abcdefghij.c\"\n",
			limits:   small,
			wantKind: OversizedToken,
			wantLine: 1,
		},
		{
			name:     "annotation text too long",
			in:       "\t.file\t\"a.c\"\n# a.c:1: " + strings.Repeat("y", 20) + "\n",
			limits:   small,
			wantKind: OversizedToken,
			wantLine: 2,
		},
		{
			name: "pending buffer too long",
			in: "\t.file\t\"a.c\"\n" +
				"# a.c:1: aaaaaaaaaaaa\n# a.c:2: bbbbbbbbbbbb\n# a.c:3: cccccccccccc\n# a.c:4: dddddddddddd\n",
			limits:   small,
			wantKind: OversizedToken,
			wantLine: 5,
		},
		{
			name:     "bad placeholder",
			in:       "\t.file\t\"a.c\"\n\tret\n",
			stub:     "\tmovl\t?ID?, %eax\n",
			wantKind: BadPlaceholder,
			wantLine: 1,
		},
		{
			name:     "unterminated placeholder",
			in:       "\t.file\t\"a.c\"\n\tret\n",
			stub:     "\tmovl\t?NONCE, %eax\n",
			wantKind: UnterminatedPlaceholder,
			wantLine: 1,
		},
		{
			name:     "site overflow",
			in:       "\t.file\t\"a.c\"\n\tcall\tf\n\tret\n",
			first:    MaxSiteID,
			wantKind: SiteOverflow,
			wantLine: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			stub := testStub
			if tt.stub != "" {
				stub = tt.stub
			}
			require.NoError(t, afero.WriteFile(fs, testStubPath, []byte(stub), 0o644))

			r := New(Options{Fs: fs, StubPath: testStubPath, Limits: tt.limits, FirstSite: tt.first})
			_, _, err := rewrite(t, r, tt.in)
			require.Error(t, err)

			var ie *InstrumentationError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.wantKind, ie.Kind, ie.Error())
			assert.Equal(t, tt.wantLine, ie.Line)
			assert.ErrorIs(t, err, &InstrumentationError{Kind: tt.wantKind})
		})
	}
}

func TestRewriteFile(t *testing.T) {
	r, fs := newTestRewriter(t, Options{})
	require.NoError(t, afero.WriteFile(fs, "src/pretzel.s", []byte(pretzel), 0o644))

	var out bytes.Buffer
	stats, err := r.RewriteFile("src/pretzel.s", &out)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Probes)

	_, err = r.RewriteFile("src/missing.s", &out)
	require.Error(t, err)
}
