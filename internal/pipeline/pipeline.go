// Package pipeline drives one devirtualization run: snapshot the target
// module, map its sections, resolve every protected import call, rebuild
// the import table and write the dump.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zboralski/vmpiat/internal/config"
	"github.com/zboralski/vmpiat/internal/emulator"
	"github.com/zboralski/vmpiat/internal/iat"
	"github.com/zboralski/vmpiat/internal/image"
	glog "github.com/zboralski/vmpiat/internal/log"
	"github.com/zboralski/vmpiat/internal/mapper"
	"github.com/zboralski/vmpiat/internal/pefile"
	"github.com/zboralski/vmpiat/internal/process"
	"github.com/zboralski/vmpiat/internal/report"
	"github.com/zboralski/vmpiat/internal/resolver"
	"github.com/zboralski/vmpiat/internal/scanner"
	"github.com/zboralski/vmpiat/internal/trace"
	"github.com/zboralski/vmpiat/internal/tracer"
	"github.com/zboralski/vmpiat/internal/vmp"
)

// CodeSection is the unprotected section scanned for dispatch calls.
const CodeSection = ".text"

// Options are the caller-side hooks of a run.
type Options struct {
	Log    *glog.Logger
	OnStep func(*trace.Event)
}

// Result summarizes a completed run.
type Result struct {
	Module    process.Module
	Arch      vmp.Arch
	Engine    string
	CallSites []uint64
	Records   []vmp.ImportRecord
	Table     *iat.Table
	Report    *report.Report
	Elapsed   time.Duration
}

// Run executes every stage against src. The first failing stage aborts the
// run; the dump is written only when every call site was rebuilt.
func Run(ctx context.Context, cfg *config.Config, src process.Source, opts Options) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Log
	if logger == nil {
		logger = glog.Get()
	}
	logger = logger.WithCategory("pipeline")
	start := time.Now()

	mod, err := process.FindModule(src, cfg.ModuleName)
	if err != nil {
		return nil, err
	}
	logger.Stage("snapshot", glog.Module(mod.Name), glog.Addr(mod.Base), glog.Size(uint64(mod.Size)))

	out := image.New(mod.Base)
	if err := out.Initialize(mod.Size, src); err != nil {
		return nil, err
	}
	static, err := pefile.FromMemory(out.Bytes())
	if err != nil {
		return nil, err
	}
	defer static.Close()

	arch, err := static.Arch()
	if err != nil {
		return nil, err
	}
	vm := vmp.NewContext()
	if err := vm.Construct(arch); err != nil {
		return nil, err
	}

	arena, err := mapSections(src, mod.Base, static, cfg.VMPSections)
	if err != nil {
		return nil, err
	}
	for _, s := range arena.Sections() {
		logger.SectionMapped(s.Name, s.Base, len(s.Bytes), s.Protected)
	}

	code := arena.Lookup(CodeSection)
	sites := scanner.Scan(arena, code.Bytes, code.Base, arch)
	logger.Stage("scan", zap.Int("sites", len(sites)))
	for _, cs := range sites {
		logger.Debug("call site found", glog.CallSite(cs), glog.RVA(cs-mod.Base))
	}

	engine, err := newEngine(cfg, arch, arena, opts.OnStep)
	if err != nil {
		return nil, err
	}
	res := &resolver.Resolver{
		VM:      vm,
		Code:    arena,
		Engine:  engine,
		Workers: cfg.Workers,
		Log:     logger.WithCategory("resolver"),
	}
	if err := res.ProcessImportCalls(ctx, sites, mod.Base); err != nil {
		return nil, err
	}

	modules, err := src.Modules()
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	table, err := iat.Reconstruct(vm, modules, out, cfg.IATSectionName)
	if err != nil {
		return nil, err
	}

	if err := out.Serialize(cfg.DumpPath); err != nil {
		return nil, err
	}
	logger.Stage("dump written", zap.String("path", cfg.DumpPath))

	result := &Result{
		Module:    mod,
		Arch:      arch,
		Engine:    engine.Name(),
		CallSites: sites,
		Records:   vm.Imports(),
		Table:     table,
	}
	result.Report = report.New(report.Run{
		Module: mod.Name,
		Base:   mod.Base,
		Arch:   arch,
		Engine: engine.Name(),
		Dump:   cfg.DumpPath,
	}, table)
	if cfg.ReportPath != "" {
		if err := result.Report.Write(cfg.ReportPath); err != nil {
			return nil, err
		}
		logger.Stage("report written", zap.String("path", cfg.ReportPath))
	}
	result.Elapsed = time.Since(start)
	return result, nil
}

// mapSections snapshots the code section and every protected section and
// maps them in one atomic call.
func mapSections(src process.Source, base uint64, img mapper.SectionFinder, protected []string) (*mapper.Arena, error) {
	reqs := make([]mapper.Request, 0, len(protected)+1)
	names := append([]string{CodeSection}, protected...)
	for i, name := range names {
		b, err := mapper.Snapshot(src, base, img, name)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, mapper.Request{Name: name, Bytes: b, Protected: i > 0})
	}
	arena := mapper.New()
	if err := arena.Map(reqs, base, img); err != nil {
		return nil, err
	}
	return arena, nil
}

func newEngine(cfg *config.Config, arch vmp.Arch, arena *mapper.Arena, onStep func(*trace.Event)) (resolver.Engine, error) {
	switch cfg.Engine {
	case config.EngineSymbolic:
		e := tracer.New(arch, arena)
		e.MaxSteps = cfg.MaxSteps
		e.OnStep = onStep
		return e, nil
	case config.EngineUnicorn:
		e := emulator.NewEngine(arch, arena)
		e.MaxSteps = cfg.MaxSteps
		e.OnStep = onStep
		return e, nil
	}
	return nil, &vmp.ConfigurationError{Reason: fmt.Sprintf("unknown engine %q", cfg.Engine)}
}
