// Package workflow is the request-level orchestrator: it resolves query
// parameters into concrete zoned bounds, drives the querier, schedules
// background cache writes and shapes the response.
package workflow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sitscholl/MeteoService/meteodb"
	"github.com/sitscholl/MeteoService/modules/querier"
	"github.com/sitscholl/MeteoService/pkg/meteo"
	"github.com/sitscholl/MeteoService/pkg/provider"
	"github.com/sitscholl/MeteoService/pkg/provider/registry"
)

// ErrPastOnly is returned when a future range is requested from a provider
// that only serves observations.
var ErrPastOnly = errors.New("provider serves past data only")

var (
	metricQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meteoservice",
		Name:      "workflow_queries_total",
		Help:      "Timeseries queries by provider and outcome.",
	}, []string{"provider", "status"})
	metricPersistJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meteoservice",
		Name:      "workflow_persist_jobs_total",
		Help:      "Background cache write jobs by outcome.",
	}, []string{"status"})
	metricPersistInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meteoservice",
		Name:      "workflow_persist_jobs_inflight",
		Help:      "Background cache write jobs currently running.",
	})
)

// QueryParams is a timeseries request as it arrives from the API, before any
// defaulting.
type QueryParams struct {
	Provider  string
	StationID string
	// Start and End are optional; a missing bound is derived from the other
	// one and the provider's latest or forecast window.
	Start    *time.Time
	End      *time.Time
	Timezone string
	// Latest ignores any bounds, queries the implicit trailing window and
	// keeps only the newest record.
	Latest    bool
	Variables []string
	Models    []string
	// Agg selects an aggregation of the native resolution. Only "daily" is
	// supported.
	Agg string
	// MinSize is the minimum sample count per aggregation bucket. Zero means
	// the coverage fraction from the configuration alone decides.
	MinSize int
}

// Response is the shaped query result.
type Response struct {
	// Data holds one object per record with the variable columns flattened
	// next to datetime, station_id and model. NULL measurements stay null.
	Data      []map[string]any `json:"data"`
	Count     int              `json:"count"`
	TimeRange TimeRange        `json:"time_range"`
	Metadata  Metadata         `json:"metadata"`
	// PersistJobID is set when a background cache write was scheduled for
	// newly fetched data.
	PersistJobID string `json:"persist_job_id,omitempty"`
}

// TimeRange is taken from the response frame, or from the resolved query
// range when the frame is empty.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type Metadata struct {
	Provider       string   `json:"provider"`
	Station        string   `json:"station"`
	Name           string   `json:"name,omitempty"`
	Elevation      *float64 `json:"elevation"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	Variables      []string `json:"variables"`
	QueryTimezone  string   `json:"query_timezone"`
	ResultTimezone string   `json:"result_timezone"`
}

type Workflow struct {
	cfg      Config
	registry *registry.Registry
	store    *meteodb.Store
	querier  *querier.Querier
	logger   log.Logger

	persistWG sync.WaitGroup
	now       func() time.Time
}

func New(cfg Config, reg *registry.Registry, store *meteodb.Store, q *querier.Querier, logger log.Logger) *Workflow {
	cfg.RegisterFlagsAndApplyDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Workflow{
		cfg:      cfg,
		registry: reg,
		store:    store,
		querier:  q,
		logger:   logger,
		now:      time.Now,
	}
}

// Providers lists the registered provider names.
func (w *Workflow) Providers() []string { return w.registry.Names() }

// Stations lists the station ids a provider serves.
func (w *Workflow) Stations(ctx context.Context, providerName string) ([]string, error) {
	p, err := w.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	closeFn, err := p.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return p.ListStations(ctx)
}

// RunTimeseriesQuery resolves the request, fetches through the cache and
// returns the shaped result. Newly fetched rows of cacheable providers are
// persisted in the background; the response does not wait for the write.
func (w *Workflow) RunTimeseriesQuery(ctx context.Context, params QueryParams) (*Response, error) {
	resp, err := w.runTimeseriesQuery(ctx, params)

	status := "success"
	if err != nil {
		status = "error"
	}
	metricQueries.WithLabelValues(params.Provider, status).Inc()
	return resp, err
}

func (w *Workflow) runTimeseriesQuery(ctx context.Context, params QueryParams) (*Response, error) {
	p, err := w.registry.Get(params.Provider)
	if err != nil {
		return nil, err
	}
	desc := p.Descriptor()

	zone, err := w.resolveZone(params)
	if err != nil {
		return nil, err
	}

	agg, err := parseAgg(params.Agg)
	if err != nil {
		return nil, err
	}
	if params.Latest && agg != "" {
		return nil, errors.Wrap(querier.ErrInvalidRange, "latest data cannot be aggregated")
	}

	start, end, err := w.resolveWindow(params, desc, zone)
	if err != nil {
		return nil, err
	}

	combined, pending, err := w.querier.GetData(ctx, w.store, p, querier.Request{
		StationID: params.StationID,
		Start:     start,
		End:       end,
		Variables: params.Variables,
		Models:    params.Models,
	})
	if err != nil {
		return nil, err
	}

	var jobID string
	if desc.CacheData && !pending.Empty() {
		jobID = w.persistAsync(p, pending)
	}

	if agg == aggDaily {
		step, err := p.Freq(params.Models)
		if err != nil {
			return nil, err
		}
		combined = ResampleDaily(combined, step, w.cfg.ResampleMinCoverage, params.MinSize)
	}
	if params.Latest {
		combined = latestOnly(combined)
	}

	return w.buildResponse(ctx, p, params, zone, start, end, combined, jobID), nil
}

// latestOnly keeps only the records at the newest instant of the frame, one
// per (station, model).
func latestOnly(f *meteo.Frame) *meteo.Frame {
	out := meteo.NewFrame(f.Location)
	if f.Empty() {
		return out
	}
	times := f.Times()
	last := times[len(times)-1]
	for _, r := range f.Records {
		if r.Datetime.Equal(last) {
			out.Append(r)
		}
	}
	out.Sort()
	return out
}

// Zone resolves a request timezone name, falling back to the configured
// default. Naive request timestamps are interpreted in this zone.
func (w *Workflow) Zone(name string) (*time.Location, error) {
	return w.loadZone(name)
}

// resolveZone prefers the explicit timezone parameter, then the zone carried
// by a provided bound, then the configured default.
func (w *Workflow) resolveZone(params QueryParams) (*time.Location, error) {
	if params.Timezone != "" {
		return w.loadZone(params.Timezone)
	}
	if params.Start != nil {
		return params.Start.Location(), nil
	}
	if params.End != nil {
		return params.End.Location(), nil
	}
	return w.loadZone("")
}

func (w *Workflow) loadZone(name string) (*time.Location, error) {
	if name == "" {
		name = w.cfg.DefaultTimezone
	}
	zone, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(querier.ErrInvalidRange, "unknown timezone %q", name)
	}
	return zone, nil
}

// resolveWindow derives any missing bound from the other one and the
// provider's windows. The forecast window applies only when the known bound
// lies in the future on a forecast provider; otherwise the trailing latest
// window ending at now applies.
func (w *Workflow) resolveWindow(params QueryParams, desc provider.Descriptor, zone *time.Location) (start, end time.Time, err error) {
	now := w.now().In(zone)

	startAt := params.Start
	endAt := params.End
	if params.Latest {
		startAt, endAt = nil, nil
	}

	if endAt == nil {
		e := now
		if desc.CanForecast && startAt != nil && startAt.After(now) {
			e = startAt.Add(desc.ForecastWindow)
		}
		endAt = &e
	}
	if startAt == nil {
		window := desc.LatestWindow
		if desc.CanForecast && endAt.After(now) {
			window = desc.ForecastWindow
		}
		s := endAt.Add(-window)
		startAt = &s
	}

	start = startAt.In(zone)
	end = endAt.In(zone)

	if !desc.CanForecast && start.After(now) {
		return time.Time{}, time.Time{}, errors.Wrapf(ErrPastOnly,
			"provider %s cannot serve a range starting at %s", desc.Name, start)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, errors.Wrapf(querier.ErrInvalidRange,
			"start %s is not before end %s", start, end)
	}
	return start, end, nil
}

// persistAsync schedules an idempotent cache write for the pending frame and
// returns the job id. The write is detached from the request context so a
// client disconnect does not lose fetched data.
func (w *Workflow) persistAsync(p provider.Provider, pending *meteo.Frame) string {
	jobID := uuid.New().String()

	w.persistWG.Add(1)
	metricPersistInflight.Inc()
	go func() {
		defer w.persistWG.Done()
		defer metricPersistInflight.Dec()

		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.PersistTimeout)
		defer cancel()

		if err := w.store.InsertMeasurements(ctx, pending, p); err != nil {
			level.Error(w.logger).Log("msg", "background cache write failed", "job_id", jobID,
				"provider", p.Descriptor().Name, "rows", pending.Len(), "err", err)
			metricPersistJobs.WithLabelValues("error").Inc()
			return
		}
		level.Info(w.logger).Log("msg", "background cache write done", "job_id", jobID,
			"provider", p.Descriptor().Name, "rows", pending.Len())
		metricPersistJobs.WithLabelValues("success").Inc()
	}()

	return jobID
}

// Shutdown waits for in-flight background writes, or until ctx expires.
func (w *Workflow) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for background cache writes")
	}
}

const aggDaily = "daily"

func parseAgg(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case aggDaily, "d", "1d":
		return aggDaily, nil
	default:
		return "", errors.Wrapf(querier.ErrInvalidRange, "unsupported aggregation %q", s)
	}
}

func (w *Workflow) buildResponse(ctx context.Context, p provider.Provider, params QueryParams, zone *time.Location, start, end time.Time, frame *meteo.Frame, jobID string) *Response {
	vars := frame.Variables()

	data := make([]map[string]any, 0, frame.Len())
	for _, rec := range frame.Records {
		row := make(map[string]any, len(vars)+3)
		row["datetime"] = rec.Datetime.In(zone).Format(time.RFC3339)
		row["station_id"] = rec.StationID
		row["model"] = rec.Model
		for _, name := range vars {
			row[name] = rec.Values[name]
		}
		data = append(data, row)
	}

	tr := TimeRange{Start: start, End: end}
	if !frame.Empty() {
		times := frame.Times()
		tr.Start = times[0].In(zone)
		tr.End = times[len(times)-1].In(zone)
	}

	meta := Metadata{
		Provider:       p.Descriptor().Name,
		Station:        params.StationID,
		Variables:      vars,
		QueryTimezone:  zone.String(),
		ResultTimezone: zone.String(),
	}
	w.fillStationMetadata(ctx, p, params.StationID, &meta)

	return &Response{
		Data:         data,
		Count:        len(data),
		TimeRange:    tr,
		Metadata:     meta,
		PersistJobID: jobID,
	}
}

// fillStationMetadata reads station details from the cache, falling back to
// the adapter. Both paths are best-effort; a miss leaves the fields empty.
func (w *Workflow) fillStationMetadata(ctx context.Context, p provider.Provider, stationID string, meta *Metadata) {
	if w.store != nil {
		st, err := w.store.FindStation(ctx, p.Descriptor().Name, stationID)
		if err != nil {
			level.Warn(w.logger).Log("msg", "station metadata lookup failed",
				"provider", meta.Provider, "station", stationID, "err", err)
		} else if st != nil {
			if st.Name.Valid {
				meta.Name = st.Name.String
			}
			if st.Elevation.Valid {
				meta.Elevation = &st.Elevation.Float64
			}
			if st.Latitude.Valid {
				meta.Latitude = &st.Latitude.Float64
			}
			if st.Longitude.Valid {
				meta.Longitude = &st.Longitude.Float64
			}
			if meta.Name != "" || meta.Latitude != nil || meta.Elevation != nil {
				return
			}
		}
	}

	closeFn, err := p.Open(ctx)
	if err != nil {
		return
	}
	defer closeFn()
	info, err := p.StationInfo(ctx, stationID)
	if err != nil {
		return
	}
	if meta.Name == "" {
		meta.Name = info.Name
	}
	if meta.Elevation == nil {
		meta.Elevation = info.Elevation
	}
	if meta.Latitude == nil {
		meta.Latitude = info.Latitude
	}
	if meta.Longitude == nil {
		meta.Longitude = info.Longitude
	}
}
