package pipeline

import (
	"log"
	"os"
	"strings"

	"sdmxgeo/internal/config"
	"sdmxgeo/internal/datasource"
	"sdmxgeo/internal/datasource/file"
	"sdmxgeo/internal/datasource/httpds"
	"sdmxgeo/internal/datasource/sdmxapi"
	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/featureservice"
	"sdmxgeo/internal/join"
	"sdmxgeo/internal/portal"
	"sdmxgeo/internal/sdmx"
	"sdmxgeo/internal/storage"
)

// FromJob wires the remote clients, the source and the sinks described by
// job. The returned Pipeline has no Progress hook.
func FromJob(job config.Job, logger *log.Logger) (*Pipeline, Request, error) {
	if logger == nil {
		logger = log.Default()
	}
	rt := job.Runtime

	format, err := sdmx.ParseFormat(job.Source.Format)
	if err != nil {
		return nil, Request{}, pkgerrors.Validation("source.format", "%v", err)
	}

	p := &Pipeline{Logger: logger}
	req := Request{
		Title:         job.Title,
		ParserOptions: job.Parser.Options,
		Descriptor:    job.Descriptor,
	}

	src, err := newSource(job.Source, format, rt, logger)
	if err != nil {
		return nil, Request{}, err
	}
	req.Source = src

	if j := job.Join; j != nil {
		p.Fetcher = featureservice.New(j.ServiceURL, j.Token, httpds.New(httpds.Config{
			Service:           "featureservice",
			Timeout:           rt.Timeout(),
			Attempts:          rt.Attempts(),
			RequestsPerSecond: rt.RequestsPerSecond,
			Logger:            logger,
		}))
		req.Join = &join.Request{SdmxField: j.SdmxField, GeoField: j.GeoField, FetchAll: j.FetchAll}
		req.MaxInValues = j.MaxInValues
	}

	if pub := job.Publish; pub != nil {
		c := &portal.Client{
			UserContentURL: pub.UserContentURL,
			Token:          pub.Token,
			MaxRecordCount: pub.MaxRecordCount,
			Capabilities:   pub.Capabilities,
			HTTP: httpds.New(httpds.Config{
				Service:           "portal",
				Timeout:           rt.Timeout(),
				RequestsPerSecond: rt.RequestsPerSecond,
				Logger:            logger,
			}),
		}
		p.Publisher = c
		p.Enricher = c
	}

	if job.Output != nil {
		req.OutputPath = job.Output.Path
	}
	if st := job.Storage; st != nil {
		req.Storage = &StorageTarget{
			Config:    storage.Config{Kind: st.Kind, DSN: os.ExpandEnv(st.DSN)},
			Table:     st.Table,
			BatchSize: st.BatchSize,
		}
	}
	return p, req, nil
}

func newSource(s config.Source, format sdmx.Format, rt config.Runtime, logger *log.Logger) (datasource.Source, error) {
	switch strings.TrimSpace(s.Kind) {
	case "file":
		return file.Source{Path: s.Path, Format: format}, nil
	case "sdmx_api":
		return sdmxapi.Source{
			URL:    s.URL,
			Format: format,
			Client: httpds.New(httpds.Config{
				Service:           "sdmxapi",
				Timeout:           rt.Timeout(),
				Attempts:          rt.Attempts(),
				RequestsPerSecond: rt.RequestsPerSecond,
				Logger:            logger,
			}),
		}, nil
	default:
		return nil, pkgerrors.Validation("source.kind", "unsupported kind %q", s.Kind)
	}
}
