// Package colorize highlights disassembly and CLI output.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// VMPDark is the disassembly style, registered as "vmp-dark".
var VMPDark = styles.Register(chroma.MustNewStyle("vmp-dark", chroma.StyleEntries{
	chroma.Text:       "#FFFFFF",
	chroma.Background: "bg:#000000",
	chroma.Comment:    "#FF8000",

	// nasm lexer: mnemonics are keywords or functions, registers builtins
	chroma.Keyword:       "#FFFFFF",
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.NameFunction:  "#FFFFFF",
	chroma.Name:          "#87CEEB",
	chroma.NameBuiltin:   "#87CEEB",
	chroma.NameVariable:  "#87CEEB",
	chroma.NameLabel:     "#FFC800",

	chroma.LiteralNumber:        "#FF80C0",
	chroma.LiteralNumberHex:     "#FF80C0",
	chroma.LiteralNumberInteger: "#FF80C0",

	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#FFFFFF",
	chroma.String:      "#00FF00",
}))
