// Package importer loads bulk reference datasets into the store for cold-start
// population. Every row goes through the reconciler, so imports merge with
// what is already known instead of replacing it.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/evroon/web1090/internal/model"
)

// ProgressEvery is the number of rows between progress log lines.
const ProgressEvery = 10000

// Merger is the write side of the reconciler.
type Merger interface {
	MergeAircraft(ctx context.Context, candidate model.Aircraft, source string) (model.Aircraft, error)
	MergeRoute(ctx context.Context, candidate model.Route, source string) (model.Route, error)
	MergeAirline(ctx context.Context, candidate model.Airline) (model.Airline, error)
}

// Stats counts the rows seen by one import.
type Stats struct {
	Rows    int
	Merged  int
	Skipped int
}

func (s Stats) String() string {
	return fmt.Sprintf("%s rows, %s merged, %s skipped",
		humanize.Comma(int64(s.Rows)), humanize.Comma(int64(s.Merged)), humanize.Comma(int64(s.Skipped)))
}

// Importer runs bulk imports.
type Importer struct {
	merger Merger
	log    zerolog.Logger
}

// New creates an importer writing through merger.
func New(merger Merger, log zerolog.Logger) *Importer {
	return &Importer{
		merger: merger,
		log:    log.With().Str("component", "importer").Logger(),
	}
}

// progress tracks one running import.
type progress struct {
	log   zerolog.Logger
	name  string
	start time.Time
	stats Stats
}

func (i *Importer) begin(name string) *progress {
	i.log.Info().Str("source", name).Msg("import started")
	return &progress{log: i.log, name: name, start: time.Now()}
}

func (p *progress) row() {
	p.stats.Rows++
	if p.stats.Rows%ProgressEvery == 0 {
		p.log.Info().
			Str("source", p.name).
			Str("rows", humanize.Comma(int64(p.stats.Rows))).
			Str("elapsed", time.Since(p.start).Round(time.Second).String()).
			Msg("import progress")
	}
}

// merged records the outcome of a merge. Rows the reconciler rejects for an
// invalid address are skipped and any other error aborts the import.
func (p *progress) merged(err error) error {
	switch {
	case err == nil:
		p.stats.Merged++
		return nil
	case errors.Is(err, model.ErrInvalidHex):
		p.stats.Skipped++
		return nil
	default:
		return fmt.Errorf("%s row %d: %w", p.name, p.stats.Rows, err)
	}
}

func (p *progress) skip() {
	p.stats.Skipped++
}

func (p *progress) done() Stats {
	p.log.Info().
		Str("source", p.name).
		Str("rows", humanize.Comma(int64(p.stats.Rows))).
		Str("merged", humanize.Comma(int64(p.stats.Merged))).
		Str("skipped", humanize.Comma(int64(p.stats.Skipped))).
		Str("elapsed", time.Since(p.start).Round(time.Millisecond).String()).
		Msg("import finished")
	return p.stats
}
