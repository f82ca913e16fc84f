package instrument

import (
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Placeholder names recognized in a stub template. A placeholder is written
// between two PlaceholderMarker characters, e.g. ?NONCE?.
const (
	PlaceholderMarker = '?'
	NoncePlaceholder  = "NONCE"
	SitePlaceholder   = "TRACE_BLOCK_ID"
)

type fragmentKind int

const (
	literalFragment fragmentKind = iota
	nonceFragment
	siteFragment
)

type fragment struct {
	kind fragmentKind
	text string
}

// StubTemplate is a parsed record stub: literal text interleaved with
// placeholders.
//
// ?NONCE? expands to the bare site identifier and is meant for making local
// labels unique. ?TRACE_BLOCK_ID? expands to the identifier as an immediate
// operand ($N), the value the stub stores into the trace channel.
type StubTemplate struct {
	fragments []fragment
}

// ParseStubTemplate parses template text. name is used in error positions.
// A missing final newline is added so the stub never runs into the line
// that follows it.
func ParseStubTemplate(name string, src []byte) (*StubTemplate, error) {
	text := string(src)
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	t := &StubTemplate{}
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	for i, line := range lines {
		if text == "" {
			break
		}
		if err := t.parseLine(name, i+1, line+"\n"); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *StubTemplate) parseLine(name string, n int, line string) error {
	for {
		open := strings.IndexByte(line, PlaceholderMarker)
		if open < 0 {
			t.literal(line)
			return nil
		}
		t.literal(line[:open])
		line = line[open+1:]

		end := strings.IndexByte(line, PlaceholderMarker)
		if end < 0 {
			return newError(UnterminatedPlaceholder, name, n, "placeholder opened with %q is not closed on the same line", PlaceholderMarker)
		}

		switch p := line[:end]; p {
		case NoncePlaceholder:
			t.fragments = append(t.fragments, fragment{kind: nonceFragment})
		case SitePlaceholder:
			t.fragments = append(t.fragments, fragment{kind: siteFragment})
		default:
			return newError(BadPlaceholder, name, n, "unknown placeholder %q", p).
				withSuggestion("Only ?" + NoncePlaceholder + "? and ?" + SitePlaceholder + "? are substituted")
		}
		line = line[end+1:]
	}
}

func (t *StubTemplate) literal(s string) {
	if s == "" {
		return
	}
	if n := len(t.fragments); n > 0 && t.fragments[n-1].kind == literalFragment {
		t.fragments[n-1].text += s
		return
	}
	t.fragments = append(t.fragments, fragment{kind: literalFragment, text: s})
}

// Execute writes the stub for site id to w.
func (t *StubTemplate) Execute(w io.Writer, id uint32) error {
	nonce := strconv.FormatUint(uint64(id), 10)
	for _, f := range t.fragments {
		var s string
		switch f.kind {
		case literalFragment:
			s = f.text
		case nonceFragment:
			s = nonce
		case siteFragment:
			s = "$" + nonce
		}
		if _, err := io.WriteString(w, s); err != nil {
			return errors.Wrap(err, "write record stub")
		}
	}
	return nil
}
