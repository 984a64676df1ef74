package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"databento-ingest/internal/config"
	"databento-ingest/internal/databento"
	"databento-ingest/internal/models"
	"databento-ingest/internal/ops"
	"databento-ingest/internal/pipeline"
	"databento-ingest/internal/quarantine"
	"databento-ingest/internal/repository"
	"databento-ingest/internal/rules"
	"databento-ingest/internal/validate"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

const usage = `usage: databento-ingest <command> [flags]

commands:
  ingest     run ingestion jobs from a YAML file or ad-hoc flags
  query      read stored records back out of the database
  list-jobs     print the jobs defined in a jobs file
  list-symbols  print symbols known to the instrument mapping table
  status        check configuration, database, vendor API and quarantine health

run 'databento-ingest <command> -h' for command flags.
`

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "ingest":
		err = runIngest(os.Args[2:])
	case "query":
		err = runQuery(os.Args[2:])
	case "list-jobs":
		err = runListJobs(os.Args[2:])
	case "list-symbols":
		err = runListSymbols(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("[main] %s failed: %v", os.Args[1], err)
	}
}

func runIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	jobsFile := fs.String("jobs-file", "configs/databento_jobs.yaml", "YAML file with job definitions")
	jobName := fs.String("job", "", "run only the named job from the jobs file")
	mappings := fs.String("mappings", "configs/databento_mappings.yaml", "schema mapping rules document")
	api := fs.String("api", "databento", "vendor adapter to run jobs against")
	force := fs.Bool("force", false, "skip the interactive confirmation prompt")
	listen := fs.String("listen", "", "serve /healthz and /progress on this address while ingesting")

	// Ad-hoc job flags; --dataset switches the jobs file off entirely.
	dataset := fs.String("dataset", "", "ad-hoc: Databento dataset, e.g. GLBX.MDP3")
	schema := fs.String("schema", "", "ad-hoc: record schema, e.g. trades or ohlcv-1d")
	symbols := fs.String("symbols", "", "ad-hoc: comma-separated symbols")
	startDate := fs.String("start-date", "", "ad-hoc: inclusive start date YYYY-MM-DD")
	endDate := fs.String("end-date", "", "ad-hoc: inclusive end date YYYY-MM-DD")
	stypeIn := fs.String("stype-in", "raw_symbol", "ad-hoc: symbol type of --symbols")
	chunkDays := fs.Int("chunk-days", 0, "ad-hoc: days per chunk, 0 picks a schema default")
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}

	jobs, err := selectJobs(*jobsFile, *jobName, adHocFlags{
		dataset: *dataset, schema: *schema, symbols: *symbols,
		startDate: *startDate, endDate: *endDate,
		stypeIn: *stypeIn, chunkDays: *chunkDays,
	})
	if err != nil {
		return err
	}
	jobs, err = filterVendor(jobs, *api)
	if err != nil {
		return err
	}
	if !*force {
		if err := confirmJobs(jobs); err != nil {
			return err
		}
	}

	eng, err := rules.Load(*mappings)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.Migrate(ctx, "schema.sql"); err != nil {
		return err
	}

	sink := quarantine.NewSink(cfg.QuarantineDir)
	if cfg.QuarantineRetentionDays > 0 {
		retention := time.Duration(cfg.QuarantineRetentionDays) * 24 * time.Hour
		if _, err := sink.Prune(retention); err != nil {
			log.Printf("[main] quarantine prune: %v", err)
		}
	}

	client := databento.NewClient(cfg)
	orch := pipeline.New(cfg, pipeline.ClientOpener{Client: client},
		eng, validate.New(cfg.Validation), repo, sink)

	if *listen != "" {
		srv := ops.NewServer(repo, orch.Progress(), *listen)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[main] ops server: %v", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	return orch.RunJobs(ctx, jobs)
}

type adHocFlags struct {
	dataset, schema, symbols string
	startDate, endDate       string
	stypeIn                  string
	chunkDays                int
}

// selectJobs resolves what to run: an ad-hoc job when --dataset is given,
// otherwise the jobs file, narrowed by --job when set.
func selectJobs(jobsFile, jobName string, adhoc adHocFlags) ([]config.Job, error) {
	if adhoc.dataset != "" {
		job := config.Job{
			Name:       "adhoc-" + adhoc.schema,
			Dataset:    adhoc.dataset,
			Schema:     models.Schema(adhoc.schema),
			Symbols:    splitList(adhoc.symbols),
			SymbolType: models.SymbolType(adhoc.stypeIn),
			StartDate:  adhoc.startDate,
			EndDate:    adhoc.endDate,
			ChunkDays:  adhoc.chunkDays,
		}
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("ad-hoc job: %w", err)
		}
		return []config.Job{job}, nil
	}

	jobs, err := config.LoadJobs(jobsFile)
	if err != nil {
		return nil, err
	}
	if jobName != "" {
		job, err := config.FindJob(jobs, jobName)
		if err != nil {
			return nil, err
		}
		return []config.Job{job}, nil
	}
	return jobs, nil
}

// filterVendor narrows jobs to one vendor adapter. Only the Databento adapter
// is wired today; the flag exists so mixed job files stay loadable.
func filterVendor(jobs []config.Job, api string) ([]config.Job, error) {
	if api != "databento" {
		return nil, fmt.Errorf("unknown vendor api %q", api)
	}
	var out []config.Job
	for _, j := range jobs {
		if j.Vendor == api {
			out = append(out, j)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no jobs for vendor %q", api)
	}
	return out, nil
}

// confirmJobs asks before a run when stdin is a terminal. Scripted runs have
// no terminal and proceed; --force skips the prompt entirely.
func confirmJobs(jobs []config.Job) error {
	st, err := os.Stdin.Stat()
	if err != nil || st.Mode()&os.ModeCharDevice == 0 {
		return nil
	}
	fmt.Printf("About to run %d job(s):\n", len(jobs))
	for _, j := range jobs {
		fmt.Printf("  %s  %s %s %s..%s\n", j.Name, j.Dataset, j.Schema, j.StartDate, j.EndDate)
	}
	fmt.Print("Proceed? [y/N]: ")
	var answer string
	fmt.Scanln(&answer)
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	}
	return fmt.Errorf("aborted")
}

func runQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	schemaName := fs.String("schema", "", "record schema to read, e.g. trades or ohlcv-1d")
	symbols := fs.String("symbols", "", "comma-separated symbols")
	startDate := fs.String("start-date", "", "inclusive start date YYYY-MM-DD")
	endDate := fs.String("end-date", "", "inclusive end date YYYY-MM-DD")
	limit := fs.Int("limit", 1000, "maximum rows, 0 for unlimited")
	format := fs.String("output-format", "table", "table, csv or json")
	outFile := fs.String("output-file", "", "write output here instead of stdout")
	fs.Parse(args)

	schema, err := models.ParseSchema(*schemaName)
	if err != nil {
		return err
	}
	syms := splitList(*symbols)
	if len(syms) == 0 {
		return fmt.Errorf("--symbols is required")
	}
	start, err := time.ParseInLocation("2006-01-02", *startDate, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid --start-date %q", *startDate)
	}
	end, err := time.ParseInLocation("2006-01-02", *endDate, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid --end-date %q", *endDate)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	res, err := repo.Query(ctx, schema, syms, start, end, *limit)
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if *outFile != "" {
		f, err := os.Create(*outFile)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	switch *format {
	case "table":
		return writeTable(out, res)
	case "csv":
		return writeCSV(out, res)
	case "json":
		return writeJSON(out, res)
	default:
		return fmt.Errorf("unknown output format %q", *format)
	}
}

func runListJobs(args []string) error {
	fs := flag.NewFlagSet("list-jobs", flag.ExitOnError)
	jobsFile := fs.String("jobs-file", "configs/databento_jobs.yaml", "YAML file with job definitions")
	api := fs.String("api", "", "only show jobs for this vendor")
	fs.Parse(args)

	jobs, err := config.LoadJobs(*jobsFile)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVENDOR\tSCHEMA\tDATASET\tSYMBOLS\tRANGE\tCHUNK DAYS")
	for _, j := range jobs {
		if *api != "" && j.Vendor != *api {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s..%s\t%d\n",
			j.Name, j.Vendor, j.Schema, j.Dataset, strings.Join(j.Symbols, ","),
			j.StartDate, j.EndDate, j.ChunkDays)
	}
	return w.Flush()
}

func runListSymbols(args []string) error {
	fs := flag.NewFlagSet("list-symbols", flag.ExitOnError)
	asset := fs.String("asset", "", "narrow to symbols starting with this asset code")
	exchange := fs.String("exchange", "", "narrow to one exchange/dataset")
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	syms, err := repo.AvailableSymbols(ctx, *asset, *exchange)
	if err != nil {
		return err
	}
	for _, s := range syms {
		fmt.Println(s)
	}
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	failed := 0
	check := func(name string, err error) {
		if err != nil {
			failed++
			fmt.Printf("%-12s FAIL  %v\n", name, err)
			return
		}
		fmt.Printf("%-12s ok\n", name)
	}

	check("api-key", cfg.RequireAPIKey())

	if repo, err := repository.New(ctx, cfg); err != nil {
		check("database", err)
	} else {
		check("database", repo.Ping(ctx))
		repo.Close()
	}

	check("quarantine", quarantine.NewSink(cfg.QuarantineDir).Writable())

	if cfg.DatabentoAPIKey != "" {
		check("databento", databento.NewClient(cfg).Ping(ctx))
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func writeTable(out io.Writer, res *repository.ResultSet) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headerUpper(res.Columns), "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatValue(v)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "(%d rows)\n", len(res.Rows))
	return err
}

func writeCSV(out io.Writer, res *repository.ResultSet) error {
	w := csv.NewWriter(out)
	if err := w.Write(res.Columns); err != nil {
		return err
	}
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatValue(v)
		}
		if err := w.Write(cells); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeJSON(out io.Writer, res *repository.ResultSet) error {
	recs := make([]map[string]any, len(res.Rows))
	for i, row := range res.Rows {
		rec := make(map[string]any, len(row))
		for j, v := range row {
			rec[res.Columns[j]] = jsonValue(v)
		}
		recs[i] = rec
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// jsonValue keeps scalars native but pins timestamps to RFC3339 UTC and
// driver-specific types to their string form.
func jsonValue(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int64, float64:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func headerUpper(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = strings.ToUpper(c)
	}
	return out
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
