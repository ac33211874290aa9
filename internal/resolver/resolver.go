// Package resolver turns scanned call sites into import records by tracing
// each dispatch stub.
package resolver

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	glog "github.com/zboralski/vmpiat/internal/log"
	"github.com/zboralski/vmpiat/internal/scanner"
	"github.com/zboralski/vmpiat/internal/vmp"
)

// Engine recovers the import reached from one call site.
type Engine interface {
	Name() string
	Trace(callSite, stub uint64) (vmp.ImportRecord, error)
}

// Code reads instruction bytes from the mapped sections.
type Code interface {
	ReadAvail(va uint64, n int) []byte
}

// Resolver drives an engine over every call site.
type Resolver struct {
	VM      *vmp.Context
	Code    Code
	Engine  Engine
	Workers int
	Log     *glog.Logger
}

// ProcessImportCalls traces every call site and appends the records to the
// VM context in call-site order. The first failing site (in input order)
// aborts the run and nothing is appended.
func (r *Resolver) ProcessImportCalls(ctx context.Context, callSites []uint64, moduleBase uint64) error {
	if err := r.VM.Require(); err != nil {
		return err
	}
	logger := r.Log
	if logger == nil {
		logger = glog.NewNop()
	}

	recs := make([]vmp.ImportRecord, len(callSites))
	errs := make([]error, len(callSites))

	resolve := func(i int) {
		cs := callSites[i]
		stub, ok := scanner.DecodeCall(r.Code.ReadAvail(cs, vmp.CallLen), cs, r.VM.Arch())
		if !ok {
			errs[i] = &vmp.TraceError{CallSite: cs, PC: cs, Reason: "call site is not a direct call"}
			return
		}
		rec, err := r.Engine.Trace(cs, stub)
		if err != nil {
			errs[i] = err
			return
		}
		recs[i] = rec
		logger.Resolved(cs, rec.Target, cs-moduleBase, rec.Kind.String())
	}

	if r.Workers <= 1 {
		for i := range callSites {
			if err := ctx.Err(); err != nil {
				return err
			}
			resolve(i)
			if errs[i] != nil {
				return errs[i]
			}
		}
	} else {
		// No shared cancellation: every launched site records its own
		// outcome, so the lowest failing index is the one a serial run
		// would report.
		var g errgroup.Group
		g.SetLimit(r.Workers)
		for i := range callSites {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					errs[i] = err
					return err
				}
				resolve(i)
				return errs[i]
			})
		}
		g.Wait()
		for _, e := range errs {
			if e != nil {
				return e
			}
		}
	}

	for _, rec := range recs {
		r.VM.AddImport(rec)
	}
	logger.Info("import calls resolved",
		zap.Int("sites", len(callSites)),
		zap.String("engine", r.Engine.Name()),
	)
	return nil
}
