package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/lox/portfoliosync/internal/api"
	"github.com/lox/portfoliosync/internal/ingest"
	"github.com/lox/portfoliosync/internal/models"
	"github.com/lox/portfoliosync/internal/report"
)

type SyncCmd struct {
	Mode      string   `arg:"" optional:"" enum:"full,incremental" default:"incremental" help:"Sync mode: full or incremental."`
	StartDate string   `help:"Override data.start_date." placeholder:"YYYY-MM-DD"`
	EndDate   string   `help:"Override data.end_date (inclusive)." placeholder:"YYYY-MM-DD"`
	Entities  []string `help:"Comma separated entities to sync (default all)." placeholder:"ENTITY,..."`
	JSON      bool     `name:"json" help:"Print the run summary as JSON."`
	Publish   bool     `help:"Publish a snapshot after the run."`
}

func (c *SyncCmd) Run(a *app) error {
	if err := a.load(); err != nil {
		return err
	}
	mode, err := models.ParseMode(c.Mode)
	if err != nil {
		return setupError(err)
	}
	if err := a.openStore(); err != nil {
		return err
	}
	coord, err := a.coordinator()
	if err != nil {
		return err
	}
	opts, err := a.runOptions(mode)
	if err != nil {
		return err
	}
	if err := c.override(&opts); err != nil {
		return setupError(err)
	}

	a.log.Info().Str("mode", string(mode)).Time("start", opts.Start).Int("entities", len(opts.Entities)).Msg("sync starting")
	summary := coord.Run(a.ctx, opts)

	if c.JSON {
		data, err := summary.JSON()
		if err != nil {
			return setupError(err)
		}
		fmt.Fprintln(a.stdout, string(data))
	} else if err := writeSummary(a.stdout, summary); err != nil {
		return setupError(err)
	}

	a.afterRun(context.WithoutCancel(a.ctx), summary, c.Publish || a.cfg.Publish.Enabled)
	a.pushMetrics()

	if a.ctx.Err() != nil {
		return &exitError{code: exitInterrupted, err: errors.New("sync interrupted")}
	}
	switch summary.Status {
	case models.StatusPartial:
		return &exitError{code: exitPartial, err: errors.New("sync partially failed")}
	case models.StatusFailed:
		return &exitError{code: exitFailed, err: errors.New("sync failed")}
	}
	return nil
}

func (c *SyncCmd) override(opts *ingest.RunOptions) error {
	if c.StartDate != "" {
		start, err := time.Parse(time.DateOnly, c.StartDate)
		if err != nil {
			return fmt.Errorf("--start-date: %w", err)
		}
		opts.Start = start
	}
	if c.EndDate != "" {
		end, err := time.Parse(time.DateOnly, c.EndDate)
		if err != nil {
			return fmt.Errorf("--end-date: %w", err)
		}
		opts.End = ingest.ExclusiveEnd(end)
	}
	if !opts.End.IsZero() && !opts.Start.Before(opts.End) {
		return errors.New("end date must not be before start date")
	}
	if len(c.Entities) > 0 {
		entities, err := models.ParseEntities(c.Entities)
		if err != nil {
			return err
		}
		opts.Entities = entities
	}
	return nil
}

func writeSummary(out io.Writer, s *ingest.Summary) error {
	fmt.Fprintf(out, "Run %s (%s): %s in %s\n\n", s.RunID, s.Mode, s.Status, time.Duration(s.DurationMS)*time.Millisecond)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tSTATUS\tPAGES\tFETCHED\tWRITTEN\tFILTERED\tDROPPED\tDETAIL")
	for _, r := range s.Entities {
		detail := r.Reason
		if r.Error != "" {
			detail = r.ErrorKind + ": " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Entity, r.Status, r.Pages, r.Fetched, r.Written, r.Filtered, r.Dropped, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if s.Error != "" {
		fmt.Fprintf(out, "\nerror: %s\n", s.Error)
	}
	return nil
}

type VerifyCmd struct {
	JSON bool `name:"json" help:"Print the report as JSON."`
}

func (c *VerifyCmd) Run(a *app) error {
	if err := a.load(); err != nil {
		return err
	}
	if err := a.openStore(); err != nil {
		return err
	}
	rep, err := report.Build(a.ctx, a.store, time.Now().UTC())
	if err != nil {
		return setupError(err)
	}
	if c.JSON {
		data, err := rep.JSON()
		if err != nil {
			return setupError(err)
		}
		fmt.Fprintln(a.stdout, string(data))
		return nil
	}
	return rep.WriteText(a.stdout)
}

type ScheduleCmd struct {
	Cron       string `help:"Override schedule.cron." placeholder:"SPEC"`
	Listen     string `help:"Override schedule.listen." placeholder:"ADDR"`
	NoServer   bool   `help:"Do not serve status endpoints."`
	RunOnStart bool   `default:"true" negatable:"" help:"Run a sync immediately on start."`
	Publish    bool   `help:"Publish a snapshot after every run."`
}

func (c *ScheduleCmd) Run(a *app) error {
	if err := a.load(); err != nil {
		return err
	}
	if err := a.openStore(); err != nil {
		return err
	}
	coord, err := a.coordinator()
	if err != nil {
		return err
	}
	mode, err := models.ParseMode(a.cfg.Schedule.Mode)
	if err != nil {
		return setupError(err)
	}
	defaults, err := a.runOptions(mode)
	if err != nil {
		return err
	}

	spec := a.cfg.Schedule.Cron
	if c.Cron != "" {
		spec = c.Cron
	}
	listen := a.cfg.Schedule.Listen
	if c.Listen != "" {
		listen = c.Listen
	}
	if c.NoServer {
		listen = ""
	}
	publishNow := c.Publish || a.cfg.Publish.Enabled

	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	sched := ingest.NewScheduler(coord, defaults, a.log)
	sched.OnComplete = func(s *ingest.Summary) {
		a.afterRun(context.WithoutCancel(ctx), s, publishNow)
		a.pushMetrics()
	}

	errc := make(chan error, 2)
	running := 1
	go func() { errc <- sched.Run(ctx, spec, c.RunOnStart) }()
	if listen != "" {
		srv := api.NewServer(a.store, sched, listen, a.log)
		running++
		go func() { errc <- srv.Run(ctx) }()
	}

	var first error
	for range running {
		if err := <-errc; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	if first != nil {
		return setupError(first)
	}
	a.log.Info().Msg("scheduler stopped")
	return nil
}

type PublishCmd struct{}

func (c *PublishCmd) Run(a *app) error {
	if err := a.load(); err != nil {
		return err
	}
	if a.cfg.Publish.Addr == "" {
		return setupError(errors.New("invalid config: publish.addr required"))
	}
	if err := a.openStore(); err != nil {
		return err
	}
	run, err := a.store.LatestSyncRun(a.ctx)
	if err != nil {
		return setupError(err)
	}
	var summary []byte
	if run != nil && run.SummaryJSON != "" {
		summary = []byte(run.SummaryJSON)
	}
	if err := a.publish(a.ctx, summary); err != nil {
		if a.ctx.Err() != nil {
			return &exitError{code: exitInterrupted, err: err}
		}
		return &exitError{code: exitFailed, err: err}
	}
	fmt.Fprintf(a.stdout, "published %s\n", a.cfg.Publish.Addr)
	return nil
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(a *app) error {
	if err := a.load(); err != nil {
		return err
	}
	if err := a.openStore(); err != nil {
		return err
	}
	version, err := a.store.MigrationVersion()
	if err != nil {
		return setupError(err)
	}
	fmt.Fprintf(a.stdout, "%s at migration %d\n", a.cfg.Database.Path, version)
	return nil
}
