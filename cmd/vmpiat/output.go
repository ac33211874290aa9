package main

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/zboralski/vmpiat/internal/config"
	"github.com/zboralski/vmpiat/internal/pipeline"
	"github.com/zboralski/vmpiat/internal/trace"
	"github.com/zboralski/vmpiat/internal/ui/colorize"
)

// lineWriter batches trace lines to an io.Writer off the tracing
// goroutines. A full queue drops lines instead of stalling a trace.
type lineWriter struct {
	lines   chan string
	flushed chan struct{}
	buf     *bufio.Writer
	dropped atomic.Int64
}

const flushEvery = 50 * time.Millisecond

func newLineWriter(w io.Writer) *lineWriter {
	lw := &lineWriter{
		lines:   make(chan string, 4096),
		flushed: make(chan struct{}),
		buf:     bufio.NewWriterSize(w, 64<<10),
	}
	go lw.loop()
	return lw
}

func (w *lineWriter) loop() {
	defer close(w.flushed)
	tick := time.NewTicker(flushEvery)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			w.buf.Flush()
		case line, ok := <-w.lines:
			if !ok {
				w.buf.Flush()
				return
			}
			w.buf.WriteString(line)
			w.buf.WriteByte('\n')
		}
	}
}

func (w *lineWriter) Write(line string) {
	select {
	case w.lines <- line:
	default:
		w.dropped.Add(1)
	}
}

// Close flushes what was queued and returns the number of dropped lines.
func (w *lineWriter) Close() int64 {
	close(w.lines)
	<-w.flushed
	return w.dropped.Load()
}

var mnemonicTags = map[string]string{
	"XOR":    "#xor",
	"CALL":   "#call",
	"JMP":    "#jmp",
	"RET":    "#ret",
	"XCHG":   "#xchg",
	"BSWAP":  "#bswap",
	"PUSHFQ": "#flags",
	"PUSHFD": "#flags",
	"POPFQ":  "#flags",
	"POPFD":  "#flags",
}

// instructionTags derives display tags from Intel syntax text.
func instructionTags(dis string) []string {
	mnem, _, _ := strings.Cut(strings.ToUpper(strings.TrimSpace(dis)), " ")
	if tag, ok := mnemonicTags[mnem]; ok {
		return []string{tag}
	}
	if len(mnem) > 1 && mnem[0] == 'J' {
		return []string{"#jcc"}
	}
	return nil
}

// formatLine renders one disassembled instruction with its tags and an
// optional trailing annotation.
func formatLine(addr uint64, code []byte, dis string, tags []string, note string) string {
	var b strings.Builder
	b.Grow(256)

	addrText := fmt.Sprintf("%08X", addr)
	if addr > 0xFFFFFFFF {
		addrText = fmt.Sprintf("%016X", addr)
	}
	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visibleLen := len(addrText) + 2

	if len(code) > 0 {
		if len(code) > 8 {
			code = code[:8]
		}
		hex := fmt.Sprintf("% X", code)
		b.WriteString(colorize.HexBytes(code))
		visibleLen += len(hex)
		for pad := 3*8 - len(hex); pad > 0; pad-- {
			b.WriteByte(' ')
			visibleLen++
		}
		b.WriteString("  ")
		visibleLen += 2
	}

	b.WriteString(colorize.Instruction(dis))
	visibleLen += len(dis)

	const insnCol = 72
	for visibleLen < insnCol {
		b.WriteByte(' ')
		visibleLen++
	}

	if len(tags) > 0 {
		b.WriteString(colorize.Tag("; " + strings.Join(tags, " ")))
		b.WriteString("  ")
	}
	if note != "" {
		b.WriteString(note)
	}
	return b.String()
}

// siteStreams groups trace lines by call site so concurrent traces print
// as whole blocks. A block is released when its exit event arrives.
type siteStreams struct {
	mu      sync.Mutex
	pending map[uint64][]string
	out     *lineWriter
}

func newSiteStreams(out *lineWriter) *siteStreams {
	return &siteStreams{pending: make(map[uint64][]string), out: out}
}

func (s *siteStreams) Add(e *trace.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, ok := s.pending[e.CallSite]
	if !ok {
		lines = []string{formatSite(e.CallSite)}
	}
	lines = append(lines, formatEvent(e))
	if !e.IsExit() {
		s.pending[e.CallSite] = lines
		return
	}
	delete(s.pending, e.CallSite)
	s.out.Write(strings.Join(lines, "\n") + "\n")
}

// Flush releases the blocks of traces that never reached an exit, in
// call-site order.
func (s *siteStreams) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range slices.Sorted(maps.Keys(s.pending)) {
		s.out.Write(strings.Join(s.pending[cs], "\n") + "\n")
	}
	clear(s.pending)
}

// formatSite opens the step listing of one call site.
func formatSite(cs uint64) string {
	return fmt.Sprintf("%s %s", colorize.Border("┌─ site"), colorize.Address(cs))
}

// formatEvent renders one step reported by a trace engine.
func formatEvent(e *trace.Event) string {
	if e.IsExit() {
		return fmt.Sprintf("%s  %s %s %s",
			colorize.Address(e.PC),
			colorize.Border("──▶"),
			colorize.OK("exit"),
			colorize.Detail(e.Kind()))
	}
	tags := instructionTags(e.Detail)
	for _, t := range e.Tags.Strings() {
		if !slices.Contains(tags, t) {
			tags = append(tags, t)
		}
	}
	return formatLine(e.PC, nil, e.Detail, tags, "")
}

var (
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headerBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	headStyle   = cellStyle.Bold(true).Foreground(lipgloss.Color("75"))
)

func printHeader(w *lineWriter, cfg *config.Config) {
	lines := []string{
		fmt.Sprintf("%s vmpiat ─ VMProtect import rebuilder", colorize.Header("▶")),
		fmt.Sprintf("%s %s  %s %s",
			colorize.Detail("Process:"), cfg.ProcessName,
			colorize.Detail("Module:"), colorize.Label(cfg.ModuleName)),
		fmt.Sprintf("%s %s  %s %s  %s %s",
			colorize.Detail("Sections:"), colorize.Label(strings.Join(cfg.VMPSections, ",")),
			colorize.Detail("Engine:"), colorize.Label(cfg.Engine),
			colorize.Detail("Workers:"), colorize.Label(fmt.Sprintf("%d", cfg.Workers))),
		fmt.Sprintf("%s %s", colorize.Detail("Output:"), relPath(cfg.DumpPath)),
	}
	w.Write(headerBox.Render(strings.Join(lines, "\n")))
	w.Write("")
}

// importTable renders one row per patched call site.
func importTable(res *pipeline.Result) *table.Table {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("SITE", "KIND", "IMPORT", "THUNK").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headStyle
			}
			return cellStyle
		})
	for _, b := range res.Table.Bindings {
		imp := res.Table.Imports[b.Import]
		t.Row(
			fmt.Sprintf("%X", b.CallSite),
			b.Kind.String(),
			colorize.Symbol(imp.Module, imp.Symbol),
			fmt.Sprintf("%X", imp.Thunk),
		)
	}
	return t
}

func printImports(res *pipeline.Result) {
	if res.Table == nil || len(res.Table.Bindings) == 0 {
		fmt.Println(colorize.Detail("no protected import calls found"))
		return
	}
	fmt.Println()
	fmt.Println(importTable(res).Render())
}

func printStats(res *pipeline.Result, steps, exits int) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s sites  %s imports  %s insn  %s exits",
		colorize.Label(fmt.Sprintf("%d", len(res.CallSites))),
		colorize.Label(fmt.Sprintf("%d", importCount(res))),
		colorize.Label(fmt.Sprintf("%d", steps)),
		colorize.Label(fmt.Sprintf("%d", exits)))
	fmt.Printf("  %s", colorize.Detail(res.Elapsed.Round(time.Millisecond).String()))
	fmt.Println()
	if res.Table != nil && res.Table.Section != nil {
		fmt.Printf("%s %s %s\n", colorize.OK("✓"), colorize.Detail("section"), colorize.Label(res.Table.Section.Name))
	}
}

func printQuietSummary(res *pipeline.Result) {
	fmt.Printf("%s\n", colorize.Label(filepath.Base(res.Module.Name)))
	fmt.Printf("%d %s  %d %s  %s %s\n",
		len(res.CallSites), colorize.Detail("sites"),
		importCount(res), colorize.Detail("imports"),
		colorize.Detail("engine"), res.Engine)
}

func importCount(res *pipeline.Result) int {
	if res.Table == nil {
		return 0
	}
	return len(res.Table.Imports)
}
