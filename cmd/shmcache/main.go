// shmcache is a CLI for creating, inspecting, and interacting with
// shared-memory cache regions.
//
// Usage:
//
//	shmcache new [options] <name>    Create a new region
//	shmcache <name>                  Open an existing region
//
// Options for 'new':
//
//	-d, --dir           Directory holding the backing file (default: config/env)
//	-s, --size          Region size in bytes (default: 16 MiB)
//	    --config        Path to an explicit JSONC config file
//
// Commands (in REPL):
//
//	set <key> <value>               Store value under key
//	add <key> <value>                Store only if key is absent
//	replace <key> <value>            Store only if key exists
//	get <key>                        Retrieve a value
//	exists <key>                     Report whether key is present
//	del <key>                        Delete a key
//	incr <key> [delta]               Increment a numeric value
//	decr <key> [delta]               Decrement a numeric value
//	stats                            Show counters and structural facts
//	verify                           Check region invariants
//	flush                            Clear every key
//	help                             Show this help
//	exit / quit / q                  Exit
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/shmcache-io/shmcache/pkg/shmcache"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return errors.New("missing command or region name")
	}

	if os.Args[1] == "new" {
		return runNew(os.Args[2:])
	}

	return runOpen(os.Args[1:])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  shmcache <name>               Open an existing region")
	fmt.Fprintln(os.Stderr, "  shmcache new [opts] <name>    Create a new region")
	fmt.Fprintln(os.Stderr, "\nRun 'shmcache new --help' for options when creating a region.")
}

func workDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}

	return wd
}

func runNew(args []string) error {
	fs := pflag.NewFlagSet("new", pflag.ExitOnError)

	dir := fs.StringP("dir", "d", "", "directory holding the backing file")
	size := fs.Int64P("size", "s", 0, "region size in bytes")
	configPath := fs.String("config", "", "path to an explicit JSONC config file")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: shmcache new [options] <name>")
		fmt.Fprintln(os.Stderr, "\nCreate a new shared-memory cache region.")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing region name")
	}

	name := fs.Arg(0)

	cfg, err := LoadConfig(workDir(), *configPath, Config{Dir: *dir, RegionSize: *size}, os.Environ())
	if err != nil {
		return err
	}

	opts := shmcache.Options{Dir: cfg.Dir, Name: name, RegionSize: cfg.RegionSize}

	c, err := shmcache.Create(opts)
	if err != nil {
		return fmt.Errorf("creating region: %w", err)
	}
	defer func() { _ = c.Close() }()

	dirLabel := cfg.Dir
	if dirLabel == "" {
		dirLabel = "(default)"
	}

	fmt.Printf("Created region %q (size=%d bytes, dir=%s)\n", name, cfg.RegionSize, dirLabel)

	return (&REPL{cache: c, name: name}).Run()
}

func runOpen(args []string) error {
	fs := pflag.NewFlagSet("open", pflag.ExitOnError)

	dir := fs.StringP("dir", "d", "", "directory holding the backing file")
	size := fs.Int64P("size", "s", 0, "region size in bytes (must match the size used at creation)")
	configPath := fs.String("config", "", "path to an explicit JSONC config file")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: shmcache <name>")
		fmt.Fprintln(os.Stderr, "\nOpen an existing shared-memory cache region.")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing region name")
	}

	name := fs.Arg(0)

	cfg, err := LoadConfig(workDir(), *configPath, Config{Dir: *dir, RegionSize: *size}, os.Environ())
	if err != nil {
		return err
	}

	c, err := shmcache.Open(shmcache.Options{Dir: cfg.Dir, Name: name, RegionSize: cfg.RegionSize})
	if err != nil {
		return fmt.Errorf("opening region: %w", err)
	}
	defer func() { _ = c.Close() }()

	return (&REPL{cache: c, name: name}).Run()
}
