package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/vmpiat/internal/mapper"
	"github.com/zboralski/vmpiat/internal/pefile"
	"github.com/zboralski/vmpiat/internal/scanner"
	"github.com/zboralski/vmpiat/internal/tracer"
	"github.com/zboralski/vmpiat/internal/ui/colorize"
	"github.com/zboralski/vmpiat/internal/vmp"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <image>",
		Short: "Show architecture, sections and exports of a PE file",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
}

func showInfo(cmd *cobra.Command, args []string) error {
	img, err := pefile.Open(args[0])
	if err != nil {
		return err
	}
	defer img.Close()

	arch, err := img.Arch()
	if err != nil {
		return err
	}
	exports, err := img.Exports()
	if err != nil {
		return err
	}

	fmt.Printf("Binary:  %s\n", filepath.Base(args[0]))
	fmt.Printf("Arch:    %s\n", arch)
	fmt.Printf("Base:    0x%x\n", img.ImageBase())
	fmt.Printf("Exports: %d\n\n", len(exports))

	fmt.Println("Sections:")
	for _, s := range img.Sections() {
		fmt.Printf("  %-8s  %s  %s  %s\n",
			colorize.Label(s.Name),
			colorize.Detail(fmt.Sprintf("rva 0x%08x", s.VirtualAddress)),
			colorize.Detail(fmt.Sprintf("size 0x%08x", s.VirtualSize)),
			colorize.Detail(fmt.Sprintf("chars 0x%08x", s.Characteristics)))
	}
	return nil
}

var (
	scanSections []string
	scanTrace    bool
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <image> -s <section>",
		Short: "List calls into VM dispatch stubs in a PE file on disk",
		Long: `scan maps the code section and the given VM sections of a PE file at its
preferred base and lists every call that enters a dispatch stub. With
--trace each stub is also traced symbolically; slots that are only filled
at runtime show up as trace errors.`,
		Args: cobra.ExactArgs(1),
		RunE: runScan,
	}
	cmd.Flags().StringSliceVarP(&scanSections, "section", "s", nil, "VM section name (repeatable)")
	cmd.Flags().BoolVar(&scanTrace, "trace", true, "trace each stub offline")
	cmd.MarkFlagRequired("section")
	return cmd
}

// mapFile maps the code section and the VM sections of img at its preferred
// base.
func mapFile(img *pefile.Image, sections []string) (*mapper.Arena, error) {
	names := append([]string{".text"}, sections...)
	reqs := make([]mapper.Request, 0, len(names))
	for i, name := range names {
		data, err := img.SectionData(name)
		if err != nil {
			return nil, err
		}
		if hdr, ok := img.FindSection(name); ok && hdr.VirtualSize != 0 && len(data) > int(hdr.VirtualSize) {
			data = data[:hdr.VirtualSize]
		}
		reqs = append(reqs, mapper.Request{Name: name, Bytes: data, Protected: i > 0})
	}
	arena := mapper.New()
	if err := arena.Map(reqs, img.ImageBase(), img); err != nil {
		return nil, err
	}
	return arena, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	img, err := pefile.Open(args[0])
	if err != nil {
		return err
	}
	defer img.Close()

	arch, err := img.Arch()
	if err != nil {
		return err
	}
	arena, err := mapFile(img, scanSections)
	if err != nil {
		return err
	}
	code := arena.Lookup(".text")
	sites := scanner.Scan(arena, code.Bytes, code.Base, arch)

	if !quiet {
		fmt.Println()
		fmt.Printf("%s vmpiat ─ offline stub scan\n", colorize.Header("▶"))
		fmt.Printf("  %s %s  %s %s  %s %s\n\n",
			colorize.Detail("Loading:"), relPath(args[0]),
			colorize.Detail("Arch:"), arch,
			colorize.Detail("Base:"), colorize.Address(img.ImageBase()))
	}

	engine := tracer.New(arch, arena)
	resolved := 0
	for _, cs := range sites {
		raw := arena.ReadAvail(cs, 15)
		inst, err := x86asm.Decode(raw, arch.Mode())
		if err != nil {
			continue
		}
		dis := x86asm.IntelSyntax(inst, cs, nil)

		note := ""
		if scanTrace {
			stub, _ := scanner.DecodeCall(raw, cs, arch)
			rec, err := engine.Trace(cs, stub)
			if err != nil {
				note = colorize.Error(err.Error())
			} else {
				resolved++
				note = describe(rec)
			}
		}
		if quiet {
			continue
		}
		fmt.Println(formatLine(cs, raw[:inst.Len], dis, instructionTags(dis), note))
	}

	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s sites", colorize.Label(fmt.Sprintf("%d", len(sites))))
	if scanTrace {
		fmt.Printf("  %s resolved", colorize.Label(fmt.Sprintf("%d", resolved)))
	}
	fmt.Println()
	return nil
}

func describe(rec vmp.ImportRecord) string {
	return fmt.Sprintf("%s %s %s",
		colorize.Border("→"),
		colorize.Address(rec.Target),
		colorize.Detail(fmt.Sprintf("%s, patch 0x%x", rec.Kind, rec.Patch)))
}
