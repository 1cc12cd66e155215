package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/helix-os/modlink/internal/elfgen"
	"github.com/helix-os/modlink/internal/hostmem"
	"github.com/helix-os/modlink/module"
	"github.com/helix-os/modlink/namespace"
	"github.com/helix-os/modlink/objfile"
	"github.com/helix-os/modlink/swap"
)

func main() {
	app := &cli.App{
		Name:  "modlink",
		Usage: "inspect and link relocatable object files",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "inspect",
				Usage:     "print the sections, symbols, and relocations of an object file",
				ArgsUsage: "<file.o>",
				Action:    inspect,
			},
			{
				Name:   "demo",
				Usage:  "load, link, and swap generated modules in a scratch address space",
				Action: demo,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logger(c *cli.Context) zerolog.Logger {
	level := zerolog.InfoLevel
	if c.Bool("verbose") {
		level = zerolog.TraceLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func inspect(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: modlink inspect <file.o>", 2)
	}
	b, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	d, err := objfile.Parse(b)
	if err != nil {
		return err
	}

	fmt.Printf("%d sections, %d symbols, %d relocations\n\n",
		len(d.Sections), len(d.Symbols), len(d.Relocations))
	cfg := spew.ConfigState{Indent: "  ", DisableMethods: true, DisablePointerAddresses: true}
	cfg.Dump(d.Sections)
	cfg.Dump(d.Relocations)
	d.Exports(func(sym *objfile.Symbol) bool {
		fmt.Printf("export %-40s section=%d value=%#x size=%d\n", sym.Name, sym.Section, sym.Value, sym.Size)
		return true
	})
	return nil
}

// demo wires the whole pipeline together against in-process memory: a
// library module exporting a counter and an accessor, an app module calling
// into it, then a hot swap of the library with state carried over.
func demo(c *cli.Context) error {
	log := logger(c)
	mem := hostmem.New()
	arena := module.NewArena()
	ns := namespace.New("demo", arena, mem, namespace.WithLogger(log))

	lib := buildLib("lib::counter::h1111111111111111", "lib::bump::haaaaaaaaaaaaaaaa")
	app := buildApp("lib::bump::haaaaaaaaaaaaaaaa")

	libH, err := ns.Load("lib-1111111111111111", lib)
	if err != nil {
		return err
	}
	if _, err := ns.Load("app-2222222222222222", app); err != nil {
		return err
	}
	fmt.Print(ns.DumpSymbols())

	coord := swap.New(ns, swap.WithLogger(log))
	lib2 := buildLib("lib::counter::h3333333333333333", "lib::bump::hbbbbbbbbbbbbbbbb")
	if _, err := coord.Swap(c.Context, libH, "lib-3333333333333333", lib2); err != nil {
		return err
	}
	fmt.Println("after swap:")
	fmt.Print(ns.DumpSymbols())
	return nil
}

// buildLib produces an object exporting a data word and a function that
// references it through a PC-relative relocation.
func buildLib(counterSym, bumpSym string) []byte {
	b := elfgen.NewBuilder()
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, 7)
	dataSec := b.Data(".data.lib::counter", data)
	counter := b.Global(counterSym, dataSec, 0, 8)

	// ff 05 xx xx xx xx  incl counter(%rip); c3  ret
	text := []byte{0xff, 0x05, 0, 0, 0, 0, 0xc3}
	textSec := b.Text(".text."+bumpSym, text)
	b.Global(bumpSym, textSec, 0, uint64(len(text)))
	textSec.Reloc(2, elf.R_X86_64_PC32, counter, -4)
	return b.Build()
}

// buildApp produces an object whose text calls the library's bump function.
func buildApp(bumpSym string) []byte {
	b := elfgen.NewBuilder()
	bump := b.Undef(bumpSym)

	// e8 xx xx xx xx  call bump; c3  ret
	text := []byte{0xe8, 0, 0, 0, 0, 0xc3}
	textSec := b.Text(".text.app::run", text)
	b.Global("app::run::h2222222222222222", textSec, 0, uint64(len(text)))
	textSec.Reloc(1, elf.R_X86_64_PLT32, bump, -4)
	return b.Build()
}
