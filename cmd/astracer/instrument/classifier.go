package instrument

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Branch is one entry of the control-transfer catalog.
type Branch struct {
	// Mnemonic is the AT&T mnemonic as written by the compiler.
	Mnemonic string
	// Op is the canonical x86 operation the mnemonic denotes. Aliases such
	// as jz and je share an Op.
	Op x86asm.Op
}

// catalog lists every x86-64 instruction that moves the instruction pointer.
//
// Matching is a prefix test in this order, so "je" also accepts "jecxz" and
// "loop" accepts "loopne". Every entry is a control transfer, so an
// over-match can only misname the kind of transfer, never instrument an
// ordinary instruction. Suffixed forms such as "callq" and "retq" match
// through the same prefix rule.
var catalog = []Branch{
	// Unconditional jump.
	{"jmp", x86asm.JMP},
	// Jumps on status flags.
	{"je", x86asm.JE},
	{"jne", x86asm.JNE},
	{"jg", x86asm.JG},
	{"jge", x86asm.JGE},
	{"ja", x86asm.JA},
	{"jae", x86asm.JAE},
	{"jl", x86asm.JL},
	{"jle", x86asm.JLE},
	{"jb", x86asm.JB},
	{"jbe", x86asm.JBE},
	{"jo", x86asm.JO},
	{"jno", x86asm.JNO},
	{"jz", x86asm.JE},
	{"jnz", x86asm.JNE},
	{"js", x86asm.JS},
	{"jns", x86asm.JNS},
	// Jumps on the count register.
	{"jcxz", x86asm.JCXZ},
	{"jecxz", x86asm.JECXZ},
	{"jrcxz", x86asm.JRCXZ},
	// Loops.
	{"loop", x86asm.LOOP},
	{"loope", x86asm.LOOPE},
	{"loopne", x86asm.LOOPNE},
	{"loopnz", x86asm.LOOPNE},
	{"loopz", x86asm.LOOPE},
	// Calls and returns.
	{"call", x86asm.CALL},
	{"ret", x86asm.RET},
}

// Catalog returns a copy of the control-transfer catalog in matching order.
func Catalog() []Branch {
	out := make([]Branch, len(catalog))
	copy(out, catalog)
	return out
}

// Classify reports whether line is a tab-indented control-transfer
// instruction and, if so, which catalog entry matched first.
//
// Thread Safety: Safe for concurrent use (catalog is read-only).
func Classify(line string) (Branch, bool) {
	rest, ok := strings.CutPrefix(line, "\t")
	if !ok {
		return Branch{}, false
	}
	for _, b := range catalog {
		if strings.HasPrefix(rest, b.Mnemonic) {
			return b, true
		}
	}
	return Branch{}, false
}
