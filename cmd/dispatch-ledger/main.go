package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"dispatch-ledger/ledger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const usage = `usage: dispatch-ledger [global flags] <command> [flags] [id]

commands:
  create    record a new call
  update    edit a call (unset flags keep the current value)
  flag      toggle the flag of a call
  delete    soft-delete a call
  restore   undo a soft delete
  show      print one call and its history as JSON
  list      print all calls
  history   print the history of a call
  export    write all calls as CSV
  watch     keep the ledger open and autosave until interrupted
`

type app struct {
	ledger *ledger.Ledger
	actor  string
	log    zerolog.Logger
	out    io.Writer
	reg    *prometheus.Registry
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dispatch-ledger", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fmt.Fprintln(stderr, "\nglobal flags:")
		fs.PrintDefaults()
	}

	var configPath string
	var backend string
	var dataPath string
	var dbPath string
	var actor string
	var debug bool

	fs.StringVar(&configPath, "config", "", "YAML config file path.")
	fs.StringVar(&backend, "backend", ledger.BackendFile, "Persistence backend: file or sqlite (overrides config.backend).")
	fs.StringVar(&dataPath, "data", "", "Shared data file for the file backend (overrides config.file.path).")
	fs.StringVar(&dbPath, "db", "", "SQLite database path (overrides config.database.path).")
	fs.StringVar(&actor, "actor", os.Getenv("USER"), "Operator name recorded in the history.")
	fs.BoolVar(&debug, "debug", false, "Enable debug logs.")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	visited := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	// Base config from file (optional)
	cfg := &ledger.Config{}
	if configPath != "" {
		loaded, err := ledger.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(stderr, "load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	// Merge config + CLI overrides
	if visited["backend"] {
		cfg.Backend = backend
	}
	if visited["data"] {
		cfg.File.Path = dataPath
	}
	if visited["db"] {
		cfg.Database.Path = dbPath
	}
	if visited["debug"] {
		cfg.Debug = debug
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}
	cmd, cmdArgs := rest[0], rest[1:]

	log := ledger.NewLogger(stderr, cfg.Debug)
	reg := prometheus.NewRegistry()
	l, err := ledger.Open(*cfg, ledger.Options{Logger: &log, Registerer: reg})
	if err != nil {
		log.Error().Err(err).Msg("open ledger")
		return 1
	}
	defer l.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := l.Load(ctx); err != nil {
		log.Error().Err(err).Msg("load ledger")
		return 1
	}

	a := &app{ledger: l, actor: actor, log: log, out: stdout, reg: reg}
	if err := a.dispatch(ctx, cmd, cmdArgs); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		log.Error().Err(err).Str("command", cmd).Msg("command failed")
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidActor),
		errors.Is(err, ledger.ErrInvalidFields),
		errors.Is(err, ledger.ErrInvalidState),
		errors.Is(err, ledger.ErrRecordNotFound):
		return 2
	case errors.Is(err, ledger.ErrLockTimeout):
		return 3
	default:
		return 1
	}
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "create":
		return a.create(ctx, args)
	case "update":
		return a.update(ctx, args)
	case "flag":
		return a.mutateByID(ctx, "flag", args, a.ledger.ToggleFlag)
	case "delete":
		return a.mutateByID(ctx, "delete", args, a.ledger.SoftDelete)
	case "restore":
		return a.mutateByID(ctx, "restore", args, a.ledger.Restore)
	case "show":
		return a.show(args)
	case "list":
		return a.list(args)
	case "history":
		return a.history(args)
	case "export":
		return a.export(args)
	case "watch":
		return a.watch(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// fieldFlags binds the editable call fields to a command's flag set.
type fieldFlags struct {
	medium, source, caller, location, code, description string
	answered, resolved                                  string
	answeredBy, resolvedBy                              string
}

func (ff *fieldFlags) bind(fs *flag.FlagSet, withStatus bool) {
	fs.StringVar(&ff.medium, "medium", "", "How the call came in (phone, radio, ...).")
	fs.StringVar(&ff.source, "source", "", "Reporting party or unit.")
	fs.StringVar(&ff.caller, "caller", "", "Caller name.")
	fs.StringVar(&ff.location, "location", "", "Incident location.")
	fs.StringVar(&ff.code, "code", "", "Dispatch code.")
	fs.StringVar(&ff.description, "description", "", "Free-text description.")
	if withStatus {
		fs.StringVar(&ff.answered, "answered", "", "Answered state (yes/no).")
		fs.StringVar(&ff.answeredBy, "answered-by", "", "Who answered the call.")
		fs.StringVar(&ff.resolved, "resolved", "", "Resolved state (yes/no).")
		fs.StringVar(&ff.resolvedBy, "resolved-by", "", "Who resolved the call.")
	}
}

// fields overlays the flags that were set on base, keyed by the form names
// ParseFields understands.
func (ff *fieldFlags) fields(fs *flag.FlagSet, base map[string]any) (ledger.Fields, error) {
	values := map[string]string{
		"medium":      ff.medium,
		"source":      ff.source,
		"caller":      ff.caller,
		"location":    ff.location,
		"code":        ff.code,
		"description": ff.description,
		"answered":    ff.answered,
		"answered-by": ff.answeredBy,
		"resolved":    ff.resolved,
		"resolved-by": ff.resolvedBy,
	}
	form := make(map[string]any, len(base)+len(values))
	for k, v := range base {
		form[k] = v
	}
	fs.Visit(func(f *flag.Flag) {
		form[strings.ReplaceAll(f.Name, "-", "_")] = values[f.Name]
	})
	return ledger.ParseFields(form)
}

func formOf(r ledger.Record) map[string]any {
	return map[string]any{
		"medium":      r.Medium,
		"source":      r.Source,
		"caller":      r.Caller,
		"location":    r.Location,
		"code":        r.Code,
		"description": r.Description,
		"answered":    r.Answered.Status,
		"answered_by": r.Answered.By,
		"resolved":    r.Resolved.Status,
		"resolved_by": r.Resolved.By,
	}
}

func (a *app) create(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	var ff fieldFlags
	ff.bind(fs, false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	f, err := ff.fields(fs, nil)
	if err != nil {
		return err
	}
	id, err := a.ledger.CreateRecord(f, a.actor)
	if err != nil {
		return err
	}
	rec, err := a.ledger.Get(id)
	if err != nil {
		return err
	}
	if err := a.ledger.Save(ctx); err != nil {
		return err
	}
	// Save re-keys the call if another process took its id first.
	if saved, err := a.ledger.GetByUID(rec.UID); err == nil {
		id = saved.ID
	}
	fmt.Fprintln(a.out, id)
	return nil
}

func (a *app) update(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	var ff fieldFlags
	ff.bind(fs, true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := oneID(fs)
	if err != nil {
		return err
	}
	cur, err := a.ledger.Get(id)
	if err != nil {
		return err
	}
	f, err := ff.fields(fs, formOf(cur))
	if err != nil {
		return err
	}
	if err := a.ledger.UpdateRecord(id, f, a.actor); err != nil {
		return err
	}
	return a.ledger.Save(ctx)
}

func (a *app) mutateByID(ctx context.Context, name string, args []string, op func(id, actor string) error) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := oneID(fs)
	if err != nil {
		return err
	}
	if err := op(id, a.actor); err != nil {
		return err
	}
	return a.ledger.Save(ctx)
}

func oneID(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s: expected exactly one record id", fs.Name())
	}
	return strings.TrimSpace(fs.Arg(0)), nil
}

func (a *app) show(args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := oneID(fs)
	if err != nil {
		return err
	}
	rec, err := a.ledger.Get(id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Record  ledger.Record       `json:"record"`
		History []ledger.AuditEntry `json:"history"`
	}{rec, a.ledger.History(id)})
}

func (a *app) list(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	sortField := fs.String("sort", "id", "Column to sort by.")
	dir := fs.String("dir", "asc", "Sort direction: asc or desc.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tCODE\tCALLER\tLOCATION\tANSWERED\tRESOLVED\tFLAG\tDELETED")
	for _, r := range a.ledger.List(*sortField, *dir) {
		flat := ledger.FlattenRecord(r)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, flat["created_at"], r.Code, r.Caller, r.Location,
			flat["answered"], flat["resolved"], r.FlagReference, flat["deleted"])
	}
	return tw.Flush()
}

func (a *app) history(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := oneID(fs)
	if err != nil {
		return err
	}
	if _, err := a.ledger.Get(id); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTOR\tACTION\tDETAILS")
	for _, e := range a.ledger.History(id) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.Details)
	}
	return tw.Flush()
}

func (a *app) export(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	sortField := fs.String("sort", "id", "Column to sort by.")
	dir := fs.String("dir", "asc", "Sort direction: asc or desc.")
	outPath := fs.String("o", "", "Output file (default stdout).")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outPath == "" {
		return a.ledger.Export(a.out, *sortField, *dir)
	}
	f, err := os.Create(*outPath)
	if err != nil {
		return err
	}
	if err := a.ledger.Export(f, *sortField, *dir); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	interval := fs.Duration("interval", 0, "Autosave interval (overrides config.autosave_interval).")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9108.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error().Err(err).Str("addr", *metricsAddr).Msg("metrics server")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	every := *interval
	if every <= 0 {
		every = a.ledger.Config().AutosaveInterval
	}
	a.log.Info().Dur("interval", every).Msg("watching; interrupt to stop")
	return a.ledger.Autosave(ctx, every)
}
