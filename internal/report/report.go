// Package report writes a YAML summary of a reconstruction run.
package report

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/zboralski/vmpiat/internal/iat"
	"github.com/zboralski/vmpiat/internal/vmp"
)

// Entry is one patched call site.
type Entry struct {
	CallSite string `yaml:"call_site"`
	Patch    string `yaml:"patch"`
	Target   string `yaml:"target"`
	Thunk    string `yaml:"thunk"`
	Kind     string `yaml:"kind"`
	Module   string `yaml:"module"`
	Symbol   string `yaml:"symbol"`
}

// Report is the document written next to the dump.
type Report struct {
	RunID   string    `yaml:"run_id"`
	Created time.Time `yaml:"created"`
	Module  string    `yaml:"module"`
	Base    string    `yaml:"base"`
	Arch    string    `yaml:"arch"`
	Engine  string    `yaml:"engine"`
	Section string    `yaml:"section,omitempty"`
	Dump    string    `yaml:"dump"`
	Imports int       `yaml:"imports"`
	Entries []Entry   `yaml:"entries"`
}

// Run describes the run a report covers.
type Run struct {
	Module string
	Base   uint64
	Arch   vmp.Arch
	Engine string
	Dump   string
}

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }

// New builds a report from a reconstructed table.
func New(run Run, t *iat.Table) *Report {
	r := &Report{
		RunID:   uuid.NewString(),
		Created: time.Now().UTC(),
		Module:  run.Module,
		Base:    hex(run.Base),
		Arch:    run.Arch.String(),
		Engine:  run.Engine,
		Dump:    run.Dump,
		Entries: []Entry{},
	}
	if t == nil {
		return r
	}
	if t.Section != nil {
		r.Section = t.Section.Name
	}
	r.Imports = len(t.Imports)
	for _, b := range t.Bindings {
		imp := t.Imports[b.Import]
		r.Entries = append(r.Entries, Entry{
			CallSite: hex(b.CallSite),
			Patch:    hex(b.Patch),
			Target:   hex(b.Target),
			Thunk:    hex(imp.Thunk),
			Kind:     b.Kind.String(),
			Module:   imp.Module,
			Symbol:   imp.Symbol,
		})
	}
	return r
}

// Write encodes r as YAML at path.
func (r *Report) Write(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &vmp.IOError{Path: path, Err: err}
	}
	return nil
}
