// Command sdmx2geo converts one SDMX dataset into a GeoJSON feature
// collection as described by a JSON job file, then publishes and/or stores
// it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sdmxgeo/internal/config"
	"sdmxgeo/internal/datasource/file"
	"sdmxgeo/internal/metrics"
	"sdmxgeo/internal/metrics/datadog"
	"sdmxgeo/internal/pipeline"

	// register all backends with the storage factory.
	_ "sdmxgeo/internal/storage/all"
)

const usage = "usage: sdmx2geo -config path/to/job.json [-validate] [-fields-only] [-out file.geojson]"

// runner is the part of *pipeline.Pipeline the command drives.
type runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

// appDeps are the seams runMain uses for I/O, so tests run without files,
// networks or metrics backends.
type appDeps struct {
	readFile    func(path string) ([]byte, error)
	unmarshal   func(data []byte, v any) error
	getenv      func(key string) string
	initMetrics func(ctx context.Context, jobName, backendName string, tags []string) (func(), error)
	build       func(job config.Job, logger *log.Logger) (runner, pipeline.Request, error)
	removeFile  func(path string) error
}

func defaultDeps() appDeps {
	return appDeps{
		readFile:    os.ReadFile,
		unmarshal:   json.Unmarshal,
		getenv:      os.Getenv,
		initMetrics: initMetrics,
		build: func(job config.Job, logger *log.Logger) (runner, pipeline.Request, error) {
			p, req, err := pipeline.FromJob(job, logger)
			if err != nil {
				return nil, pipeline.Request{}, err
			}
			return p, req, nil
		},
		removeFile: file.Remove,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

type cliFlags struct {
	configPath     string
	validate       bool
	fieldsOnly     bool
	title          string
	token          string
	userContentURL string
	out            string
	cleanup        bool
	metricsBackend string
	verbose        bool
}

func parseFlags(args []string, stderr io.Writer) (cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet("sdmx2geo", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&f.configPath, "config", "", "job config JSON path")
	fs.BoolVar(&f.validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&f.fieldsOnly, "fields-only", false, "parse and build, then print only the inferred fields")
	fs.StringVar(&f.title, "title", "", "item title (overrides config title)")
	fs.StringVar(&f.token, "token", "", "content platform token (overrides env PORTAL_TOKEN)")
	fs.StringVar(&f.userContentURL, "user-content-url", "", "content platform user content URL (overrides env USER_CONTENT_URL)")
	fs.StringVar(&f.out, "out", "", "write the feature collection to this GeoJSON file")
	fs.BoolVar(&f.cleanup, "cleanup", false, "remove the input file after a successful run (file sources only)")
	fs.StringVar(&f.metricsBackend, "metrics-backend", "", "metrics backend to use (datadog, none; overrides env METRICS_BACKEND)")
	fs.BoolVar(&f.verbose, "v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	if strings.TrimSpace(f.configPath) == "" {
		return cliFlags{}, errors.New(usage)
	}
	return f, nil
}

// runMain runs the command and returns its exit code: 0 on success, 1 when
// the conversion fails, 2 for usage and configuration errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, d appDeps) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return 2
	}

	logger := log.New(stderr, "", log.LstdFlags)
	verbose := log.New(io.Discard, "", 0)
	if f.verbose {
		verbose = logger
	}

	raw, err := d.readFile(f.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "read config: %v\n", err)
		return 2
	}
	var job config.Job
	if err := d.unmarshal(raw, &job); err != nil {
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return 2
	}
	applyOverrides(&job, f, d.getenv)

	issues := config.ValidateJob(job)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		logger.Printf("Configuration is invalid: %v", f.configPath)
		return 2
	}
	if f.validate {
		logger.Printf("Configuration is valid: %v", f.configPath)
		return 0
	}

	// Decide metrics backend: flag → env → none.
	backendName := f.metricsBackend
	if backendName == "" {
		backendName = d.getenv("METRICS_BACKEND")
	}
	cleanupMetrics, err := d.initMetrics(ctx, jobName(job), backendName, datadog.ParseTagsCSV(d.getenv("METRICS_TAGS")))
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 2
	}
	defer cleanupMetrics()

	r, req, err := d.build(job, verbose)
	if err != nil {
		fmt.Fprintf(stderr, "build pipeline: %v\n", err)
		return 2
	}
	req.FieldsOnly = f.fieldsOnly

	verbose.Printf("pipeline: job=%s source=%s title=%q", jobName(job), job.Source.Kind, job.Title)
	start := time.Now()
	res := r.Run(ctx, req)

	if err := writeSummary(stdout, res); err != nil {
		fmt.Fprintf(stderr, "write result: %v\n", err)
		return 1
	}
	if !res.OK() {
		logger.Printf("run %s failed: %v", res.RunID, res.Err)
		return 1
	}

	if f.cleanup && job.Source.Kind == "file" {
		if err := d.removeFile(job.Source.Path); err != nil {
			logger.Printf("cleanup: %v", err)
		}
	}
	verbose.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	return 0
}

// applyOverrides resolves flag → env → config for the title, the output
// path and the publish credentials. A user content URL from the flag or
// the environment enables publishing when the config has none.
func applyOverrides(job *config.Job, f cliFlags, getenv func(string) string) {
	if f.title != "" {
		job.Title = f.title
	}
	if f.out != "" {
		job.Output = &config.Output{Path: f.out}
	}

	ucu := firstNonEmpty(f.userContentURL, getenv("USER_CONTENT_URL"))
	token := firstNonEmpty(f.token, getenv("PORTAL_TOKEN"))
	if job.Publish == nil && ucu != "" {
		job.Publish = &config.Publish{}
	}
	if job.Publish != nil {
		if ucu != "" {
			job.Publish.UserContentURL = ucu
		}
		if token != "" {
			job.Publish.Token = token
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func jobName(job config.Job) string {
	if job.Job != "" {
		return job.Job
	}
	return datadog.DefaultJobName
}

// summary is the JSON document printed to stdout.
type summary struct {
	Success bool `json:"success"`
	pipeline.Result
	Stage   string `json:"stage,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeSummary(w io.Writer, res pipeline.Result) error {
	s := summary{Success: res.OK(), Result: res}
	if res.Err != nil {
		s.Stage = res.Err.Stage
		s.Kind = res.Err.Kind.String()
		s.Message = res.Err.Err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// metricsBackend is a metrics.Backend the command must close on exit.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// seams for tests
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = metrics.SetBackend
	logPrintf         = log.Printf
)

// initMetrics installs the named metrics backend. The returned cleanup is
// never nil and flushes and closes the backend.
func initMetrics(ctx context.Context, jobName, backendName string, tags []string) (func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(backendName)) {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return noop, fmt.Errorf("datadog backend: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
			setMetricsBackend(nil)
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|datadog)", backendName)
	}
}
