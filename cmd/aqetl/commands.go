package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/air-quality-etl/internal/adapter/openaq"
	"github.com/couchcryptid/air-quality-etl/internal/domain"
	"github.com/couchcryptid/air-quality-etl/internal/pipeline"
	"github.com/couchcryptid/air-quality-etl/internal/store"
)

var errIntegrity = errors.New("integrity check failed")

func loaderConfig(a *app, policy domain.ConflictPolicy) pipeline.LoaderConfig {
	if policy == "" {
		policy = a.cfg.ConflictPolicy
	}
	return pipeline.LoaderConfig{
		ConflictPolicy:    policy,
		DiscardSampleSize: a.cfg.DiscardSampleSize,
		ConnectTimeout:    a.cfg.DBConnectTimeout,
	}
}

type loadCmd struct {
	File           string `arg:"" type:"existingfile" help:"OpenAQ results page, JSON array or NDJSON file."`
	ConflictPolicy string `name:"conflict-policy" help:"Override CONFLICT_POLICY (reject or overwrite)."`
}

// Run performs a single load. The summary is printed even when the run
// fails; the exit status reflects the outcome.
func (c *loadCmd) Run(a *app) error {
	var policy domain.ConflictPolicy
	if c.ConflictPolicy != "" {
		p, err := domain.ParseConflictPolicy(c.ConflictPolicy)
		if err != nil {
			return err
		}
		policy = p
	}

	records, err := openaq.DecodeFile(c.File)
	if err != nil {
		return err
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	loader := pipeline.NewLoader(st, loaderConfig(a, policy), a.logger, a.metrics)
	summary, runErr := loader.Load(a.ctx, records)
	if err := a.printJSON(summary); err != nil {
		return err
	}
	return runErr
}

type schemaCmd struct {
	Check bool `help:"Only verify the existing schema; create nothing."`
}

func (c *schemaCmd) Run(a *app) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if c.Check {
		if err := st.Schema().Check(a.ctx); err != nil {
			return err
		}
		a.logger.Info("schema is current", "version", store.SchemaVersion, "driver", st.Driver())
		return nil
	}
	if err := st.Schema().Ensure(a.ctx); err != nil {
		return err
	}
	a.logger.Info("schema ensured", "version", store.SchemaVersion, "driver", st.Driver())
	return nil
}

type verifyCmd struct{}

func (verifyCmd) Run(a *app) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Schema().Check(a.ctx); err != nil {
		return err
	}
	report, err := st.Verify(a.ctx)
	if err != nil {
		return err
	}
	if err := a.printJSON(report); err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("%w: %d orphaned rows", errIntegrity, report.Orphans.Total())
	}
	return nil
}

type seriesCmd struct {
	Parameter string        `required:"" help:"Pollutant parameter, e.g. pm25."`
	Unit      string        `help:"Restrict to one unit."`
	Country   string        `help:"ISO 3166-1 alpha-2 country code."`
	Location  string        `help:"Location key."`
	Since     time.Duration `help:"Only measurements newer than this age, e.g. 24h."`
	Limit     int           `default:"1000" help:"Maximum points returned."`
}

func (c *seriesCmd) Run(a *app) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	q := store.SeriesQuery{
		Parameter:   c.Parameter,
		Unit:        c.Unit,
		CountryCode: c.Country,
		LocationKey: c.Location,
		Limit:       c.Limit,
	}
	if c.Since > 0 {
		q.From = domain.Now().Add(-c.Since)
	}
	points, err := st.Series(a.ctx, q)
	if err != nil {
		return err
	}
	if points == nil {
		points = []store.SeriesPoint{}
	}
	return a.printJSON(points)
}

type runsCmd struct {
	Limit int `default:"20" help:"Number of runs to list."`
}

func (c *runsCmd) Run(a *app) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.RecentRuns(a.ctx, c.Limit)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []domain.RunSummary{}
	}
	return a.printJSON(runs)
}
