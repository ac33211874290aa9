package main

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/zboralski/vmpiat/internal/config"
	"github.com/zboralski/vmpiat/internal/iat"
	"github.com/zboralski/vmpiat/internal/pipeline"
	"github.com/zboralski/vmpiat/internal/trace"
	"github.com/zboralski/vmpiat/internal/vmp"
)

func newTestCmd(t *testing.T) *cobra.Command {
	t.Helper()
	flagCfg = config.Default()
	configPath = ""
	cmd := &cobra.Command{Use: "vmpiat"}
	f := cmd.Flags()
	f.StringVarP(&flagCfg.ProcessName, "process", "p", "", "")
	f.StringVarP(&flagCfg.ModuleName, "module", "m", "", "")
	f.StringSliceVarP(&flagCfg.VMPSections, "section", "s", nil, "")
	f.StringVar(&flagCfg.IATSectionName, "iat-section", config.DefaultIATSection, "")
	f.StringVarP(&flagCfg.DumpPath, "out", "o", "", "")
	f.StringVar(&flagCfg.Engine, "engine", config.EngineSymbolic, "")
	f.IntVar(&flagCfg.Workers, "workers", config.DefaultWorkers, "")
	f.IntVar(&flagCfg.MaxSteps, "max-steps", config.DefaultMaxSteps, "")
	f.StringVar(&flagCfg.ReportPath, "report", "", "")
	return cmd
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.toml")
	body := `
process_name = "game.exe"
vmp_sections = [".vmp0"]
dump_path = "from-file.exe"
engine = "unicorn"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newTestCmd(t)
	if err := cmd.Flags().Parse([]string{"-o", "from-flag.exe", "-s", ".vmp0,.vmp1"}); err != nil {
		t.Fatal(err)
	}
	configPath = path

	cfg, err := loadConfig(cmd)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DumpPath != "from-flag.exe" {
		t.Errorf("DumpPath = %s", cfg.DumpPath)
	}
	if !reflect.DeepEqual(cfg.VMPSections, []string{".vmp0", ".vmp1"}) {
		t.Errorf("VMPSections = %v", cfg.VMPSections)
	}
	if cfg.Engine != config.EngineUnicorn {
		t.Errorf("unset flag replaced file value: engine = %s", cfg.Engine)
	}
	if cfg.ModuleName != "game.exe" {
		t.Errorf("ModuleName = %s, want the process name", cfg.ModuleName)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestInstructionTags(t *testing.T) {
	tests := []struct {
		dis  string
		want []string
	}{
		{"xor eax, eax", []string{"#xor"}},
		{"call 0x401000", []string{"#call"}},
		{"jnz 0x401000", []string{"#jcc"}},
		{"ret", []string{"#ret"}},
		{"pushfq", []string{"#flags"}},
		{"mov eax, ebx", nil},
		{"", nil},
	}
	for _, tt := range tests {
		if got := instructionTags(tt.dis); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("instructionTags(%q) = %v, want %v", tt.dis, got, tt.want)
		}
	}
}

func TestLineWriter(t *testing.T) {
	var buf bytes.Buffer
	w := newLineWriter(&buf)
	for _, line := range []string{"a", "b", "c"} {
		w.Write(line)
	}
	if n := w.Close(); n != 0 {
		t.Errorf("dropped %d lines", n)
	}
	if got := buf.String(); got != "a\nb\nc\n" {
		t.Errorf("output = %q", got)
	}
}

func TestFormatEvent(t *testing.T) {
	t.Setenv("VMPIAT_NO_COLOR", "1")

	e := trace.NewStep(0x140001000, 0x140003100, 0, "xchg", "xchg qword ptr [rsp], rax")
	trace.Classify(e)
	line := formatEvent(e)
	if !strings.HasPrefix(line, "0000000140003100  xchg qword ptr [rsp], rax") {
		t.Errorf("line = %q", line)
	}
	if !strings.Contains(line, "; #xchg") || strings.Count(line, "#xchg") != 1 {
		t.Errorf("line tags: %q", line)
	}

	exit := trace.NewExit(0x140001000, 0x7FFE0000, 5, "call")
	if got := formatEvent(exit); got != "7FFE0000  ──▶ exit call" {
		t.Errorf("exit line = %q", got)
	}
	if got := formatSite(0x140001000); got != "┌─ site 0000000140001000" {
		t.Errorf("site line = %q", got)
	}
}

func TestSiteStreamsKeepBlocksTogether(t *testing.T) {
	t.Setenv("VMPIAT_NO_COLOR", "1")

	var buf bytes.Buffer
	w := newLineWriter(&buf)
	s := newSiteStreams(w)
	const a, b = 0x140001000, 0x140001010

	// Two traces interleaved the way parallel workers deliver them.
	s.Add(trace.NewStep(a, 0x140003100, 0, "push", "push rax"))
	s.Add(trace.NewStep(b, 0x140003200, 0, "pop", "pop rcx"))
	s.Add(trace.NewStep(a, 0x140003101, 1, "ret", "ret"))
	s.Add(trace.NewExit(b, 0x7FFE0040, 1, "jmp"))
	s.Add(trace.NewExit(a, 0x7FFE0000, 2, "call"))
	s.Add(trace.NewStep(0x140001020, 0x140003300, 0, "nop", "nop"))
	s.Flush()
	w.Close()

	blocks := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n\n")
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks:\n%s", len(blocks), buf.String())
	}
	tests := []struct {
		site  string
		lines int
		last  string
	}{
		{"0000000140001010", 3, "7FFE0040  ──▶ exit jmp"},
		{"0000000140001000", 4, "7FFE0000  ──▶ exit call"},
		{"0000000140001020", 2, "0000000140003300  nop"},
	}
	for i, tt := range tests {
		lines := strings.Split(blocks[i], "\n")
		if lines[0] != "┌─ site "+tt.site {
			t.Errorf("block %d header = %q", i, lines[0])
		}
		if len(lines) != tt.lines {
			t.Errorf("block %d has %d lines, want %d", i, len(lines), tt.lines)
		}
		if !strings.Contains(lines[len(lines)-1], tt.last) {
			t.Errorf("block %d ends with %q", i, lines[len(lines)-1])
		}
	}
}

func TestImportTable(t *testing.T) {
	t.Setenv("VMPIAT_NO_COLOR", "1")

	res := &pipeline.Result{Table: &iat.Table{
		Imports: []iat.Import{{Module: "kernel32.dll", Symbol: "Sleep", Target: 0x7FFE0000, Thunk: 0x140005080}},
		Bindings: []iat.Binding{
			{ImportRecord: vmp.ImportRecord{CallSite: 0x140001000, Kind: vmp.ExitCall}},
			{ImportRecord: vmp.ImportRecord{CallSite: 0x140001010, Kind: vmp.ExitJmp}},
		},
	}}
	out := importTable(res).Render()
	for _, want := range []string{"SITE", "140001000", "140001010", "kernel32.dll!Sleep", "140005080", "jmp"} {
		if !strings.Contains(out, want) {
			t.Errorf("table lacks %q:\n%s", want, out)
		}
	}
}
