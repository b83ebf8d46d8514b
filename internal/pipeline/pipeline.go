// Package pipeline runs one conversion: load, parse, build, and the optional
// join, publish, enrichment and sink stages.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"sdmxgeo/internal/config"
	"sdmxgeo/internal/datasource"
	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/geojson"
	"sdmxgeo/internal/join"
	"sdmxgeo/internal/metadata"
	"sdmxgeo/internal/metrics"
	"sdmxgeo/internal/output"
	"sdmxgeo/internal/parser"
	"sdmxgeo/internal/portal"
	"sdmxgeo/internal/sdmx"
	"sdmxgeo/internal/storage"
	"sdmxgeo/internal/transformer"
)

// Stage names, as reported in StageError.Stage, logs and metrics.
const (
	StageValidate = "validate"
	StageLoad     = "load"
	StageParse    = "parse"
	StageBuild    = "build"
	StageJoin     = "join"
	StagePublish  = "publish"
	StageEnrich   = "enrich"
	StageOutput   = "output"
	StageStore    = "store"
)

// progressAt is the completion percentage reported after each stage.
var progressAt = map[string]int{
	StageValidate: 10,
	StageLoad:     20,
	StageParse:    30,
	StageBuild:    35,
	StageJoin:     40,
	StagePublish:  50,
	StageEnrich:   60,
}

// Logger is the minimal logging interface used by the pipeline.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Publisher uploads a collection and publishes it as a hosted layer.
type Publisher interface {
	AddItem(ctx context.Context, title string, fc *geojson.FeatureCollection) (string, error)
	Publish(ctx context.Context, itemID, title string) (portal.Published, error)
}

// Enricher attaches descriptive metadata to a published item.
type Enricher interface {
	UpdateItem(ctx context.Context, itemID string, upd portal.ItemUpdate) error
}

// RepositoryFactory opens a storage backend.
type RepositoryFactory func(ctx context.Context, cfg storage.Config) (storage.FeatureRepository, error)

// Pipeline holds the collaborators shared by runs. Nil collaborators
// disable their stage.
type Pipeline struct {
	Logger Logger

	// Fetcher supplies join geometry. Required when a request asks for a join.
	Fetcher   join.Fetcher
	Publisher Publisher
	Enricher  Enricher

	// NewRepository defaults to storage.New.
	NewRepository RepositoryFactory

	// Progress, when set, is called after each stage with its completion
	// percentage, and with 100 when the run succeeds.
	Progress func(stage string, pct int)

	// seams for tests
	newRunID func() string
	now      func() time.Time
}

// Request is one conversion.
type Request struct {
	// Title names the published item. Empty means "fromSDMX_<unix millis>".
	Title string

	Source        datasource.Source
	ParserOptions config.Options

	// Join, when set, joins geometry through Pipeline.Fetcher.
	Join        *join.Request
	MaxInValues int

	// Descriptor enriches the published item; ignored without a Publisher.
	Descriptor *metadata.Descriptor

	OutputPath string
	Storage    *StorageTarget

	// FieldsOnly stops after the build stage and reports only the fields.
	FieldsOnly bool
}

// StorageTarget names the backend and table the features are loaded into.
type StorageTarget struct {
	Config    storage.Config
	Table     string
	BatchSize int
}

// Result summarizes a run. Err is nil on success.
type Result struct {
	RunID         string          `json:"runId"`
	Title         string          `json:"title"`
	Format        sdmx.Format     `json:"format,omitempty"`
	Fields        []geojson.Field `json:"fields,omitempty"`
	FeatureCount  int             `json:"featureCount"`
	Join          *join.Stats     `json:"join,omitempty"`
	ItemID        string          `json:"itemId,omitempty"`
	ServiceItemID string          `json:"serviceItemId,omitempty"`
	ServiceURL    string          `json:"serviceUrl,omitempty"`
	OutputBytes   int64           `json:"outputBytes,omitempty"`
	RowsInserted  int64           `json:"rowsInserted,omitempty"`

	Collection *geojson.FeatureCollection `json:"-"`
	Err        *pkgerrors.StageError      `json:"-"`
}

// OK reports whether the run succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Run executes the stages in order and stops at the first failure, which
// is returned in Result.Err wrapped as a StageError.
func (p *Pipeline) Run(ctx context.Context, req Request) Result {
	res := Result{RunID: p.runID(), Title: req.Title}
	if strings.TrimSpace(res.Title) == "" {
		res.Title = "fromSDMX_" + strconv.FormatInt(p.clock().UnixMilli(), 10)
	}
	logf := p.logger()
	start := time.Now()

	var (
		payload *datasource.Payload
		ds      sdmx.Dataset
		fc      *geojson.FeatureCollection
	)
	defer func() {
		if payload != nil && payload.Body != nil {
			_ = payload.Body.Close()
		}
	}()

	ok := p.stage(ctx, &res, StageValidate, func(context.Context) error {
		return p.validate(req)
	}) && p.stage(ctx, &res, StageLoad, func(ctx context.Context) error {
		var err error
		payload, err = req.Source.Open(ctx)
		if err != nil {
			return err
		}
		logf("pipeline: run=%s source=%s format=%s", res.RunID, payload.Name, orSniff(payload.Format))
		return nil
	}) && p.stage(ctx, &res, StageParse, func(context.Context) error {
		var err error
		ds, res.Format, err = parser.Parse(payload.Body, payload.Format, req.ParserOptions)
		return err
	}) && p.stage(ctx, &res, StageBuild, func(context.Context) error {
		var err error
		fc, err = transformer.Build(ds, res.Title)
		if err != nil {
			return err
		}
		res.Fields = fc.Fields()
		res.FeatureCount = len(fc.Features)
		metrics.RecordFeatures("built", res.FeatureCount)
		return nil
	})
	if !ok {
		return res
	}

	if req.FieldsOnly {
		p.progress("done", 100)
		logf("pipeline: run=%s fields_only fields=%d duration=%s", res.RunID, len(res.Fields), durMS(start))
		return res
	}
	res.Collection = fc

	ok = p.optionalStage(ctx, &res, StageJoin, req.Join != nil, func(ctx context.Context) error {
		eng := join.Engine{Fetcher: p.Fetcher, MaxInValues: req.MaxInValues}
		st, err := eng.Run(ctx, fc, *req.Join)
		if err != nil {
			return err
		}
		res.Join = &st
		metrics.RecordFeatures("matched", st.Matched)
		metrics.RecordFeatures("unmatched", st.Unmatched)
		if st.Unmatched > 0 {
			logf("pipeline: run=%s join: %s", res.RunID, st)
		}
		return nil
	}) && p.optionalStage(ctx, &res, StagePublish, p.Publisher != nil, func(ctx context.Context) error {
		itemID, err := p.Publisher.AddItem(ctx, res.Title, fc)
		if err != nil {
			return err
		}
		res.ItemID = itemID
		pub, err := p.Publisher.Publish(ctx, itemID, res.Title)
		if err != nil {
			return err
		}
		res.ServiceItemID = pub.ServiceItemID
		res.ServiceURL = pub.ServiceURL
		return nil
	}) && p.optionalStage(ctx, &res, StageEnrich, p.shouldEnrich(req), func(ctx context.Context) error {
		return p.Enricher.UpdateItem(ctx, res.ServiceItemID, portal.ItemUpdate{
			Tags:        req.Descriptor.Tags(),
			Description: req.Descriptor.Description(),
			Snippet:     req.Descriptor.Snippet(),
		})
	}) && p.optionalStage(ctx, &res, StageOutput, req.OutputPath != "", func(context.Context) error {
		n, err := output.WriteFile(req.OutputPath, fc)
		res.OutputBytes = n
		return err
	}) && p.optionalStage(ctx, &res, StageStore, req.Storage != nil, func(ctx context.Context) error {
		n, err := p.store(ctx, fc, *req.Storage)
		res.RowsInserted = n
		metrics.RecordFeatures("stored", int(n))
		return err
	})
	if !ok {
		return res
	}

	p.progress("done", 100)
	logf("pipeline: run=%s ok features=%d item=%s duration=%s", res.RunID, res.FeatureCount, res.ItemID, durMS(start))
	return res
}

func (p *Pipeline) validate(req Request) error {
	if req.Source == nil {
		return pkgerrors.Validation("source", "no source configured")
	}
	if req.Join != nil {
		if err := join.ValidateFields(req.Join.SdmxField, req.Join.GeoField); err != nil {
			return err
		}
		if p.Fetcher == nil {
			return pkgerrors.Validation("join.service_url", "no geometry service configured")
		}
	}
	if req.MaxInValues < 0 {
		return pkgerrors.Validation("join.max_in_values", "must be >= 0")
	}
	if req.Storage != nil && strings.TrimSpace(req.Storage.Config.Kind) == "" {
		return pkgerrors.Validation("storage.kind", "required when storage is configured")
	}
	return nil
}

func (p *Pipeline) shouldEnrich(req Request) bool {
	return p.Publisher != nil && p.Enricher != nil && req.Descriptor != nil && !req.Descriptor.Empty()
}

// store creates the feature table when missing and inserts every feature,
// skipping rows whose row_hash is already present.
func (p *Pipeline) store(ctx context.Context, fc *geojson.FeatureCollection, t StorageTarget) (int64, error) {
	newRepo := p.NewRepository
	if newRepo == nil {
		newRepo = storage.New
	}
	table := t.Table
	if table == "" {
		table = config.DefaultTable
	}

	spec, err := storage.TableSpecFor(table, fc.Fields())
	if err != nil {
		return 0, err
	}
	rows, err := transformer.FeatureRows(fc, spec)
	if err != nil {
		return 0, err
	}

	repo, err := newRepo(ctx, t.Config)
	if err != nil {
		return 0, fmt.Errorf("open %s storage: %w", t.Config.Kind, err)
	}
	defer repo.Close()

	if err := repo.EnsureTable(ctx, spec); err != nil {
		return 0, err
	}

	size := t.BatchSize
	if size <= 0 {
		size = len(rows)
	}
	var total int64
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		n, err := repo.InsertRows(ctx, spec.Name, spec.ColumnNames(), rows[start:end], spec.DedupeColumns())
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Pipeline) optionalStage(ctx context.Context, res *Result, name string, enabled bool, fn func(context.Context) error) bool {
	if !enabled {
		return true
	}
	return p.stage(ctx, res, name, fn)
}

// stage runs fn, records its outcome and reports progress. It returns false
// when the run must stop.
func (p *Pipeline) stage(ctx context.Context, res *Result, name string, fn func(context.Context) error) bool {
	logf := p.logger()
	start := time.Now()

	err := ctx.Err()
	if err == nil {
		err = fn(ctx)
	}
	d := time.Since(start)

	if err != nil {
		res.Err = pkgerrors.Wrap(name, err)
		metrics.RecordStage(name, "error", d)
		logf("pipeline: run=%s stage=%s error kind=%s duration=%s err=%v", res.RunID, name, res.Err.Kind, durMS(start), err)
		return false
	}

	metrics.RecordStage(name, "ok", d)
	logf("pipeline: run=%s stage=%s ok duration=%s", res.RunID, name, durMS(start))
	if pct, ok := progressAt[name]; ok {
		p.progress(name, pct)
	}
	return true
}

func (p *Pipeline) progress(stage string, pct int) {
	if p.Progress != nil {
		p.Progress(stage, pct)
	}
}

func (p *Pipeline) logger() func(format string, v ...any) {
	if p.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return p.Logger.Printf
}

func (p *Pipeline) runID() string {
	if p.newRunID != nil {
		return p.newRunID()
	}
	return uuid.NewString()
}

func (p *Pipeline) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func orSniff(f sdmx.Format) string {
	if f == "" {
		return "sniff"
	}
	return string(f)
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
