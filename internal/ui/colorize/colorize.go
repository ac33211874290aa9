package colorize

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/fatih/color"
)

var (
	addrColor   = color.RGB(255, 200, 0)
	labelColor  = color.RGB(255, 200, 0)
	detailColor = color.RGB(180, 180, 180)
	borderColor = color.RGB(80, 80, 80)
	headerColor = color.RGB(86, 156, 214)
	errorColor  = color.RGB(255, 128, 192)
	tagColor    = color.RGB(255, 180, 200)
	okColor     = color.New(color.FgGreen)
)

// highlighter is the chroma pipeline used for disassembly text. It is
// resolved once; a nil lexer disables highlighting.
type highlighter struct {
	lexer     chroma.Lexer
	style     *chroma.Style
	formatter chroma.Formatter
}

// first returns the first registry hit among names, or fallback.
func first[T comparable](get func(string) T, fallback T, names ...string) T {
	var zero T
	for _, name := range names {
		if v := get(name); v != zero {
			return v
		}
	}
	return fallback
}

var disasm = sync.OnceValue(func() highlighter {
	return highlighter{
		lexer:     first(lexers.Get, nil, "nasm", "gas"),
		style:     first(styles.Get, styles.Fallback, "vmp-dark", "dracula"),
		formatter: first(formatters.Get, formatters.Fallback, "terminal16m", "terminal256"),
	}
})

// IsDisabled returns true if colors are disabled via environment or the
// output is not a terminal.
func IsDisabled() bool {
	return os.Getenv("VMPIAT_NO_COLOR") != "" || color.NoColor
}

func paint(c *color.Color, s string) string {
	if IsDisabled() {
		return s
	}
	return c.Sprint(s)
}

// Instruction highlights Intel-syntax text with chroma.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	h := disasm()
	if h.lexer == nil {
		return insn
	}
	tokens, err := h.lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := h.formatter.Format(&buf, h.style, tokens); err != nil {
		return insn
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Address formats an address as 16 hex digits, or 8 when it fits.
func Address(addr uint64) string {
	s := fmt.Sprintf("%08X", addr)
	if addr > 0xFFFFFFFF {
		s = fmt.Sprintf("%016X", addr)
	}
	return paint(addrColor, s)
}

// Tag formats a hashtag
func Tag(tag string) string { return paint(tagColor, tag) }

// Symbol formats module!name in IDA label style
func Symbol(module, name string) string {
	return paint(labelColor, module+"!"+name)
}

// Label formats a label or count
func Label(s string) string { return paint(labelColor, s) }

// Detail formats secondary text
func Detail(detail string) string { return paint(detailColor, detail) }

// Border formats border characters
func Border(s string) string { return paint(borderColor, s) }

// Header formats header text
func Header(s string) string { return paint(headerColor, s) }

// HexBytes formats opcode bytes
func HexBytes(code []byte) string {
	return paint(detailColor, fmt.Sprintf("% X", code))
}

// OK formats a success marker
func OK(s string) string { return paint(okColor, s) }

// Error formats error messages
func Error(s string) string { return paint(errorColor, s) }
