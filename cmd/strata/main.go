// Package main is the strata command line tool: inspect, validate and
// graph strata container files.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/strataforge/strata/arraystore"
	"github.com/strataforge/strata/fault"
	"github.com/strataforge/strata/pack"

	// Register the built-in typed kinds.
	_ "github.com/strataforge/strata/object"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "strata: %v\n", err)
		os.Exit(1)
	}
}

const usage = `usage: strata [flags] <command> <container>

Commands:
  info    print the package identity and summary counts
  parts   list every part with kind, title and references
  check   validate the whole package and report each problem
  graph   print the relationship graph as JSON

Flags:
`

// config is the optional YAML configuration file surface. Everything in it
// mirrors a flag or an array store option; flags win.
type config struct {
	LogLevel    string `yaml:"log_level"`
	Compression string `yaml:"compression"`
	ChunkKiB    int    `yaml:"chunk_kib"`
	Workers     int    `yaml:"workers"`
	Verify      bool   `yaml:"verify"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func mainImpl() error {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	configPath := flag.String("config", "", "YAML configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	verify := flag.Bool("verify", false, "Verify every array payload checksum while opening")
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		return errors.New("expected a command and a container path")
	}
	command, path := flag.Arg(0), flag.Arg(1)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	lvl := *logLevel
	if lvl == "" {
		lvl = cfg.LogLevel
	}
	if lvl != "" {
		if err := level.UnmarshalText([]byte(lvl)); err != nil {
			return fmt.Errorf("invalid log level %q", lvl)
		}
	}
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	opts := pack.Options{
		VerifyArrays: *verify || cfg.Verify,
		Logger:       logger,
	}
	if cfg.Compression != "" {
		comp, err := arraystore.ParseCompression(cfg.Compression)
		if err != nil {
			return err
		}
		opts.Arrays.DefaultCompression = comp
	}
	if cfg.ChunkKiB > 0 {
		opts.Arrays.ChunkBytes = cfg.ChunkKiB << 10
	}
	if cfg.Workers > 0 {
		opts.Arrays.Workers = cfg.Workers
	}

	p, report, err := pack.Open(path, opts)
	if err != nil {
		return err
	}
	defer p.Close()

	switch command {
	case "info":
		return cmdInfo(p, report)
	case "parts":
		return cmdParts(p)
	case "check":
		return cmdCheck(ctx, p, report)
	case "graph":
		return cmdGraph(p)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func cmdInfo(p *pack.Package, report *fault.Report) error {
	kinds := map[string]int{}
	for _, e := range p.Parts() {
		kinds[e.Kind]++
	}
	fmt.Printf("package:     %s\n", p.OID())
	fmt.Printf("source:      %s\n", p.Source())
	fmt.Printf("parts:       %d\n", len(p.Parts()))
	fmt.Printf("arrays:      %d\n", len(p.Arrays().All()))
	fmt.Printf("diagnostics: %d\n", report.Len())
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	for _, e := range p.Parts() {
		if kinds[e.Kind] > 0 {
			fmt.Fprintf(w, "  %s\t%d\n", e.Kind, kinds[e.Kind])
			kinds[e.Kind] = 0
		}
	}
	return w.Flush()
}

func cmdParts(p *pack.Package) error {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PART\tKIND\tTITLE\tREFS")
	for _, e := range p.Parts() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", e.Part, e.Kind, e.Citation.Title, len(e.Refs))
	}
	return w.Flush()
}

func cmdCheck(ctx context.Context, p *pack.Package, report *fault.Report) error {
	full := &fault.Report{}
	full.Merge(report)
	full.Merge(p.Validate())
	for _, h := range p.Arrays().All() {
		if err := p.Arrays().Verify(ctx, h); err != nil {
			if fe, ok := err.(*fault.Error); ok {
				full.Add(fe)
			} else {
				return err
			}
		}
	}
	if full.OK() {
		fmt.Println("ok")
		return nil
	}
	for _, e := range full.Errors() {
		fmt.Printf("%s\n", e)
	}
	return fmt.Errorf("%d problems found", full.Len())
}

func cmdGraph(p *pack.Package) error {
	nodes, edges := p.Graph()
	out := struct {
		Nodes []pack.GraphNode `json:"nodes"`
		Edges []pack.GraphEdge `json:"edges"`
	}{nodes, edges}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(&out)
}
