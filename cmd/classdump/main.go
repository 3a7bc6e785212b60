// Command classdump prints the contents of generated class files: a single
// .class file, a class directory, a SQLite class store, or a CBOR bundle.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/classforge/classfile"
	"github.com/chazu/classforge/config"
	"github.com/chazu/classforge/sink"
)

var log = commonlog.GetLogger("classforge.classdump")

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	summary := flag.Bool("s", false, "List classes with size and sha256 only")
	configDir := flag.String("C", ".", "Directory to search for classforge.toml")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: classdump [options] [store|file.class] [class...]\n\n")
		fmt.Fprintf(os.Stderr, "Prints generated classes. The store defaults to the configured output.\n")
		fmt.Fprintf(os.Stderr, "A store is a class directory, a .db SQLite store, or a .cbor bundle.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "classdump: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Verbosity = 2
	}
	cfg.ConfigureLogging()

	if err := run(os.Stdout, cfg, flag.Args(), *summary); err != nil {
		fmt.Fprintf(os.Stderr, "classdump: %v\n", err)
		os.Exit(1)
	}
}

func run(w io.Writer, cfg *config.Config, args []string, summary bool) error {
	if len(args) > 0 && strings.HasSuffix(args[0], ".class") {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return dump(w, filepath.Base(args[0]), data, summary)
	}

	path := cfg.OutputPath()
	if len(args) > 0 {
		path, args = args[0], args[1:]
	}
	if cfg.Output.Kind == config.OutputMemory && path == "" {
		return fmt.Errorf("no store given and output kind is memory")
	}
	store, err := sink.OpenPath(path)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Debugf("opened %s", path)

	names := args
	if len(names) == 0 {
		if names, err = store.Names(); err != nil {
			return err
		}
	}
	for i, name := range names {
		name = strings.ReplaceAll(name, ".", "/")
		data, err := store.Read(name)
		if err != nil {
			return err
		}
		if i > 0 && !summary {
			fmt.Fprintln(w)
		}
		if err := dump(w, name, data, summary); err != nil {
			return err
		}
	}
	return nil
}

func dump(w io.Writer, name string, data []byte, summary bool) error {
	if summary {
		fmt.Fprintf(w, "%-40s %6d  %s\n", name, len(data), sink.Digest(data))
		return nil
	}
	cf, err := classfile.Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	_, err = io.WriteString(w, classfile.Dump(cf))
	return err
}
