package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/zboralski/vmpiat/internal/config"
	glog "github.com/zboralski/vmpiat/internal/log"
	"github.com/zboralski/vmpiat/internal/pipeline"
	"github.com/zboralski/vmpiat/internal/process"
	"github.com/zboralski/vmpiat/internal/trace"
	"github.com/zboralski/vmpiat/internal/ui/colorize"
)

var (
	verbose    bool
	quiet      bool
	maxInsn    int
	configPath string
	flagCfg    = config.Default()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vmpiat -p <process> -m <module> -s <section> -o <dump>",
		Short: "Rebuild the import table of a VMProtect-virtualized module",
		Long: `vmpiat recovers the imports hidden behind VMProtect's import-call stubs.

It attaches to a running process, copies the target module and its VM
sections, and finds every call that enters a dispatch stub. Each stub is
traced until control leaves the VM; the address it leaves to is the real
import. Targets are matched against the exports of the loaded modules, a
new import table is appended as its own section and every call site is
patched to call through it. The result is written as an unmapped dump.

Examples:
  vmpiat -p game.exe -m game.exe -s .vmp0 -o game.dump.exe
  vmpiat --config run.toml                    # settings from a file
  vmpiat --config run.yaml --engine unicorn   # trace under Unicorn
  vmpiat info game.exe                        # sections and exports
  vmpiat scan game.exe -s .vmp0 -s .vmp1      # offline stub scan`,
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		RunE:                  runDump,
	}

	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", "", "TOML or YAML run configuration")
	f.StringVarP(&flagCfg.ProcessName, "process", "p", "", "target process name")
	f.StringVarP(&flagCfg.ModuleName, "module", "m", "", "module to rebuild (defaults to the process name)")
	f.StringSliceVarP(&flagCfg.VMPSections, "section", "s", nil, "VM section name (repeatable)")
	f.StringVar(&flagCfg.IATSectionName, "iat-section", config.DefaultIATSection, "name of the new import section")
	f.StringVarP(&flagCfg.DumpPath, "out", "o", "", "output dump path")
	f.StringVar(&flagCfg.Engine, "engine", config.EngineSymbolic, "trace engine: symbolic or unicorn")
	f.IntVar(&flagCfg.Workers, "workers", config.DefaultWorkers, "parallel traces")
	f.IntVar(&flagCfg.MaxSteps, "max-steps", config.DefaultMaxSteps, "instruction budget per trace")
	f.StringVar(&flagCfg.ReportPath, "report", "", "write a YAML report to this path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (summary only)")
	f.IntVarP(&maxInsn, "num", "n", 500, "max trace lines to show")

	rootCmd.AddCommand(newInfoCmd(), newScanCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges the config file, if any, with flags set on the command
// line. Flags win.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	overrides := []struct {
		flag  string
		apply func()
	}{
		{"process", func() { cfg.ProcessName = flagCfg.ProcessName }},
		{"module", func() { cfg.ModuleName = flagCfg.ModuleName }},
		{"section", func() { cfg.VMPSections = flagCfg.VMPSections }},
		{"iat-section", func() { cfg.IATSectionName = flagCfg.IATSectionName }},
		{"out", func() { cfg.DumpPath = flagCfg.DumpPath }},
		{"engine", func() { cfg.Engine = flagCfg.Engine }},
		{"workers", func() { cfg.Workers = flagCfg.Workers }},
		{"max-steps", func() { cfg.MaxSteps = flagCfg.MaxSteps }},
		{"report", func() { cfg.ReportPath = flagCfg.ReportPath }},
	}
	for _, o := range overrides {
		if f.Changed(o.flag) {
			o.apply()
		}
	}
	if cfg.ModuleName == "" {
		cfg.ModuleName = cfg.ProcessName
	}
	return cfg, nil
}

func runDump(cmd *cobra.Command, args []string) error {
	if configPath == "" && !cmd.Flags().Changed("process") {
		return cmd.Help()
	}
	glog.Init(verbose)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	src, err := process.Attach(cfg.ProcessName)
	if err != nil {
		return fmt.Errorf("attach %s: %w", cfg.ProcessName, err)
	}
	defer src.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var out *lineWriter
	var streams *siteStreams
	var steps, exits atomic.Int64
	opts := pipeline.Options{Log: glog.Get()}
	if !quiet {
		out = newLineWriter(os.Stdout)
		printHeader(out, cfg)
		streams = newSiteStreams(out)
		opts.OnStep = func(e *trace.Event) {
			if e.IsExit() {
				exits.Add(1)
			} else if steps.Add(1) > int64(maxInsn) {
				return
			}
			streams.Add(e)
		}
	}

	res, err := pipeline.Run(ctx, cfg, src, opts)
	if out != nil {
		streams.Flush()
		if n := out.Close(); n > 0 {
			fmt.Fprintln(os.Stderr, colorize.Detail(fmt.Sprintf("%d trace lines dropped", n)))
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		return err
	}

	if quiet {
		printQuietSummary(res)
		return nil
	}
	printImports(res)
	printStats(res, int(steps.Load()), int(exits.Load()))
	return nil
}

func relPath(p string) string {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, p); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return p
}
