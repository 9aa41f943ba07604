// Package querier orchestrates the read-through query pipeline: read the
// cache, discover missing sub-ranges, fetch them concurrently from the
// provider, reconcile onto the canonical grid and merge, newest data winning.
package querier

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/sitscholl/MeteoService/pkg/gapfinder"
	"github.com/sitscholl/MeteoService/pkg/meteo"
	"github.com/sitscholl/MeteoService/pkg/provider"
)

var (
	// ErrInvalidRange is returned for unusable query bounds.
	ErrInvalidRange = errors.New("invalid time range")
	// ErrMultiModelUnsupported is returned when more than one forecast model
	// is requested; the pipeline handles at most one model per request.
	ErrMultiModelUnsupported = errors.New("at most one model per request is supported")
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meteoservice",
		Name:      "querier_requests_total",
		Help:      "Total get-data requests by provider.",
	}, []string{"provider"})
	metricGapsFound = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meteoservice",
		Name:      "querier_gaps_per_request",
		Help:      "Number of cache gaps fetched upstream per request.",
		Buckets:   prometheus.LinearBuckets(0, 1, 10),
	}, []string{"provider"})
	metricGapFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meteoservice",
		Name:      "querier_gap_fetch_failures_total",
		Help:      "Gap fetch tasks that failed and were omitted from the response.",
	}, []string{"provider"})
)

// Store is the slice of the cache store the querier reads from.
type Store interface {
	QueryMeasurements(ctx context.Context, providerName, externalID string, startUTC, endUTC time.Time, variables, models []string) (*meteo.Frame, error)
}

// Request is one resolved timeseries query: bounds are zoned and non-empty.
type Request struct {
	StationID string
	Start     time.Time
	End       time.Time
	Variables []string
	Models    []string
}

type Querier struct {
	cfg    Config
	finder *gapfinder.Finder
	logger log.Logger

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, logger log.Logger) *Querier {
	cfg.RegisterFlagsAndApplyDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Querier{
		cfg:    cfg,
		finder: gapfinder.New(logger),
		logger: logger,
		now:    time.Now,
	}
}

// GetData produces the combined frame (cache plus newly fetched data, in the
// request's zone) and the pending frame (only what is new to the cache, in
// UTC). The split lets the caller answer immediately and persist
// asynchronously.
func (q *Querier) GetData(ctx context.Context, store Store, p provider.Provider, req Request) (combined, pending *meteo.Frame, err error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "querier.GetData")
	defer span.Finish()

	desc := p.Descriptor()
	metricRequests.WithLabelValues(desc.Name).Inc()

	origZone := req.Start.Location()
	if err := q.validateRange(req.Start, req.End, desc.CanForecast); err != nil {
		return nil, nil, err
	}
	if len(req.Models) > 1 {
		return nil, nil, errors.Wrapf(ErrMultiModelUnsupported, "got %d models", len(req.Models))
	}
	if len(req.Models) == 1 && !desc.CanForecast {
		return nil, nil, errors.Wrapf(ErrMultiModelUnsupported, "provider %s is not model-keyed", desc.Name)
	}

	step, err := p.Freq(req.Models)
	if err != nil {
		return nil, nil, err
	}

	startUTC := meteo.Floor(req.Start.UTC(), step)
	endUTC := meteo.Floor(req.End.UTC(), step)
	if !desc.CanForecast {
		if nowFloor := meteo.Floor(q.now().UTC(), step); endUTC.After(nowFloor) {
			level.Warn(q.logger).Log("msg", "requested end time is in the future, capping", "end", endUTC, "cap", nowFloor)
			endUTC = nowFloor
		}
	}
	if !startUTC.Before(endUTC) {
		// The range collapsed below one sampling interval.
		return meteo.NewFrame(origZone), meteo.NewFrame(time.UTC), nil
	}

	level.Info(q.logger).Log("msg", "querying data", "provider", desc.Name, "station", req.StationID,
		"start", startUTC, "end", endUTC, "freq", desc.Freq)

	cached, err := store.QueryMeasurements(ctx, desc.Name, req.StationID, startUTC, endUTC, req.Variables, req.Models)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading cache")
	}

	gaps, err := q.finder.Find(cached.Times(), startUTC, endUTC, desc.Freq, gapfinder.Options{
		Inclusive:      desc.Inclusive,
		MinGapDuration: q.cfg.MinGapDuration,
	})
	if err != nil {
		return nil, nil, err
	}
	metricGapsFound.WithLabelValues(desc.Name).Observe(float64(len(gaps)))

	if len(gaps) == 0 {
		level.Debug(q.logger).Log("msg", "no data gaps found", "provider", desc.Name, "station", req.StationID)
		cached.ConvertZone(origZone)
		return cached, meteo.NewFrame(time.UTC), nil
	}
	for _, g := range gaps {
		level.Debug(q.logger).Log("msg", "data gap found", "start", g.Start, "end", g.End)
	}

	pending = q.fetchGaps(ctx, p, req, cached, gaps, step)
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if pending.Empty() {
		cached.ConvertZone(origZone)
		return cached, meteo.NewFrame(time.UTC), nil
	}

	combined = cached.Merge(pending)
	combined.ConvertZone(origZone)
	return combined, pending, nil
}

func (q *Querier) validateRange(start, end time.Time, canForecast bool) error {
	if start.IsZero() || end.IsZero() {
		return errors.Wrap(ErrInvalidRange, "start and end must be set")
	}
	if start.Location().String() != end.Location().String() {
		return errors.Wrapf(ErrInvalidRange, "start and end must share a zone, got %s vs %s",
			start.Location(), end.Location())
	}
	if !start.Before(end) {
		return errors.Wrapf(ErrInvalidRange, "start %s is not before end %s", start, end)
	}
	if !canForecast && start.After(q.now()) {
		return errors.Wrap(ErrInvalidRange, "start must be in the past")
	}
	return nil
}

type gapResult struct {
	frame *meteo.Frame
	ok    bool
}

// fetchGaps runs one task per gap inside a single open scope of the adapter
// and reconciles the completed tasks in gap order, so the pending frame is
// independent of completion order. A failed task drops its gap from the
// result; it never fails the request.
func (q *Querier) fetchGaps(ctx context.Context, p provider.Provider, req Request, cached *meteo.Frame, gaps []gapfinder.Gap, step time.Duration) *meteo.Frame {
	desc := p.Descriptor()
	pending := meteo.NewFrame(time.UTC)

	closeFn, err := p.Open(ctx)
	if err != nil {
		level.Error(q.logger).Log("msg", "cannot open provider", "provider", desc.Name, "err", err)
		metricGapFailures.WithLabelValues(desc.Name).Add(float64(len(gaps)))
		return pending
	}
	defer closeFn()

	knownVars := q.knownVariables(ctx, p, req.StationID, cached)

	results := make([]gapResult, len(gaps))
	g, gctx := errgroup.WithContext(ctx)
	for i, gap := range gaps {
		// Compensate the provider's endpoint convention so the closed
		// canonical grid is fully covered.
		fetchStart, fetchEnd := gap.Start, gap.End
		if desc.Inclusive == meteo.IncLeft && i == len(gaps)-1 {
			fetchEnd = fetchEnd.Add(step)
		}
		if desc.Inclusive == meteo.IncRight && i == 0 {
			fetchStart = fetchStart.Add(-step)
		}

		g.Go(func() error {
			frame, err := p.Run(gctx, provider.FetchRequest{
				StationID: req.StationID,
				Start:     fetchStart,
				End:       fetchEnd,
				Sensors:   req.Variables,
				Models:    req.Models,
			})
			if err != nil {
				if gctx.Err() != nil {
					return err
				}
				level.Error(q.logger).Log("msg", "gap fetch failed", "provider", desc.Name,
					"start", fetchStart, "end", fetchEnd, "err", err)
				metricGapFailures.WithLabelValues(desc.Name).Inc()
				return nil
			}
			results[i] = gapResult{frame: frame, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		level.Error(q.logger).Log("msg", "gap fetches aborted", "provider", desc.Name, "err", err)
		return pending
	}

	models := req.Models
	if len(models) == 0 {
		models = []string{""}
	}

	for i, gap := range gaps {
		if !results[i].ok {
			continue
		}
		q.reconcileGap(pending, results[i].frame, gap, step, req.StationID, models, knownVars)
	}
	pending.Sort()
	return pending
}

// knownVariables is the column set gap markers are written with: everything
// the cache already tracks for the station plus everything the provider says
// the station reports.
func (q *Querier) knownVariables(ctx context.Context, p provider.Provider, stationID string, cached *meteo.Frame) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, v := range cached.Variables() {
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sensors, err := p.Sensors(ctx, stationID)
	if err != nil {
		level.Warn(q.logger).Log("msg", "cannot list station sensors", "station", stationID, "err", err)
		return out
	}
	for _, v := range sensors {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// reconcileGap reindexes one gap's fetch result onto the canonical grid. An
// empty result becomes explicit gap markers so the cache records that the
// upstream was asked and had nothing.
func (q *Querier) reconcileGap(pending, fetched *meteo.Frame, gap gapfinder.Gap, step time.Duration, stationID string, models, knownVars []string) {
	grid := meteo.Grid(gap.Start, gap.End, step, meteo.IncBoth)
	if len(grid) == 0 {
		return
	}

	if fetched.Empty() {
		if len(knownVars) == 0 {
			level.Warn(q.logger).Log("msg", "no data returned and no known variables, skipping gap markers",
				"start", gap.Start, "end", gap.End)
			return
		}
		for _, model := range models {
			for _, ts := range grid {
				pending.Append(markerRecord(ts, stationID, model, knownVars))
			}
		}
		return
	}

	fetched.DedupLastWins()

	type group struct {
		station string
		model   string
	}
	byKey := map[group]map[int64]meteo.Record{}
	var order []group
	for _, rec := range fetched.Records {
		k := group{station: rec.StationID, model: rec.Model}
		if _, ok := byKey[k]; !ok {
			byKey[k] = map[int64]meteo.Record{}
			order = append(order, k)
		}
		byKey[k][rec.Datetime.Unix()] = rec
	}

	for _, k := range order {
		recs := byKey[k]
		for _, ts := range grid {
			if rec, ok := recs[ts.Unix()]; ok {
				pending.Append(rec)
				continue
			}
			pending.Append(markerRecord(ts, k.station, k.model, knownVars))
		}
	}
	pending.AddVariables(knownVars...)
}

func markerRecord(ts time.Time, stationID, model string, vars []string) meteo.Record {
	values := make(map[string]*float64, len(vars))
	for _, v := range vars {
		values[v] = nil
	}
	return meteo.Record{Datetime: ts, StationID: stationID, Model: model, Values: values}
}
