// Package province adapts the South Tyrol open data network
// (daten.buergernetz.bz.it): an observational provider sampled every 10
// minutes, queried one sensor at a time over chunked date windows.
package province

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/sitscholl/MeteoService/pkg/meteo"
	"github.com/sitscholl/MeteoService/pkg/provider"
)

const (
	Name = "province"

	defaultEndpoint = "http://daten.buergernetz.bz.it/services/meteo/v1"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sensorRename maps provider sensor codes to canonical variable names.
var sensorRename = map[string]string{
	"LT":     "tair_2m",
	"LF":     "relative_humidity",
	"N":      "precipitation",
	"WG":     "wind_speed",
	"WR":     "wind_direction",
	"WG.BOE": "wind_gust",
	"LD.RED": "air_pressure",
	"SD":     "sun_duration",
	"GS":     "solar_radiation",
	"HS":     "snow_height",
	"W":      "water_level",
	"Q":      "discharge",
}

type stationFeature struct {
	Properties struct {
		SCode string   `json:"SCODE"`
		Name  string   `json:"NAME_D"`
		Lat   *float64 `json:"LAT"`
		Long  *float64 `json:"LONG"`
		Alt   *float64 `json:"ALT"`
	} `json:"properties"`
}

type stationsResponse struct {
	Features []stationFeature `json:"features"`
}

type sensorEntry struct {
	Type string `json:"TYPE"`
}

type timeseriesRow struct {
	Date  string   `json:"DATE"`
	Value *float64 `json:"VALUE"`
}

// rawRow is one upstream observation tagged with the sensor and station it was
// requested for.
type rawRow struct {
	station string
	sensor  string
	date    string
	value   *float64
}

type Province struct {
	*provider.Base

	endpoint string

	mtx      sync.Mutex
	stations map[string]meteo.StationInfo
	sensors  map[string][]string
}

var _ provider.Provider = (*Province)(nil)

func New(cfg provider.Config, logger log.Logger) (*Province, error) {
	base, err := provider.NewBase(provider.Descriptor{
		Name:        Name,
		Freq:        "10min",
		Inclusive:   meteo.IncBoth,
		CanForecast: false,
		CacheData:   true,
	}, cfg, logger)
	if err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Province{
		Base:     base,
		endpoint: endpoint,
		sensors:  map[string][]string{},
	}, nil
}

func (p *Province) Freq(_ []string) (time.Duration, error) {
	return meteo.ParseFreq(p.Desc.Freq)
}

func (p *Province) stationDirectory(ctx context.Context) (map[string]meteo.StationInfo, error) {
	p.mtx.Lock()
	cached := p.stations
	p.mtx.Unlock()
	if cached != nil {
		return cached, nil
	}

	body, err := p.Get(ctx, p.endpoint+"/stations")
	if err != nil {
		return nil, err
	}
	var resp stationsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "decoding station directory")
	}

	dir := make(map[string]meteo.StationInfo, len(resp.Features))
	for _, f := range resp.Features {
		dir[f.Properties.SCode] = meteo.StationInfo{
			Name:      f.Properties.Name,
			Latitude:  f.Properties.Lat,
			Longitude: f.Properties.Long,
			Elevation: f.Properties.Alt,
		}
	}

	p.mtx.Lock()
	p.stations = dir
	p.mtx.Unlock()
	return dir, nil
}

func (p *Province) ListStations(ctx context.Context) ([]string, error) {
	dir, err := p.stationDirectory(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(dir))
	for code := range dir {
		out = append(out, code)
	}
	return out, nil
}

func (p *Province) StationInfo(ctx context.Context, stationID string) (meteo.StationInfo, error) {
	dir, err := p.stationDirectory(ctx)
	if err != nil {
		return meteo.StationInfo{}, err
	}
	info, ok := dir[stationID]
	if !ok {
		return meteo.StationInfo{}, errors.Wrap(provider.ErrUnknownStation, stationID)
	}
	return info, nil
}

// Sensors returns the canonical variable names the station reports. Sensor
// codes the rename table does not know are skipped.
func (p *Province) Sensors(ctx context.Context, stationID string) ([]string, error) {
	p.mtx.Lock()
	if cached, ok := p.sensors[stationID]; ok {
		p.mtx.Unlock()
		return cached, nil
	}
	p.mtx.Unlock()

	body, err := p.Get(ctx, p.endpoint+"/sensors?station_code="+url.QueryEscape(stationID))
	if err != nil {
		return nil, err
	}
	var entries []sensorEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, errors.Wrap(err, "decoding sensors")
	}

	seen := map[string]struct{}{}
	var vars []string
	for _, e := range entries {
		name, ok := sensorRename[e.Type]
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		vars = append(vars, name)
	}

	p.mtx.Lock()
	p.sensors[stationID] = vars
	p.mtx.Unlock()
	return vars, nil
}

// sensorCodes resolves the requested canonical variables back to provider
// sensor codes, defaulting to everything the station reports.
func (p *Province) sensorCodes(ctx context.Context, stationID string, requested []string) ([]string, error) {
	available, err := p.Sensors(ctx, stationID)
	if err != nil {
		return nil, err
	}
	availableSet := map[string]struct{}{}
	for _, v := range available {
		availableSet[v] = struct{}{}
	}

	wanted := requested
	if len(wanted) == 0 {
		wanted = available
	}

	var codes []string
	for _, v := range wanted {
		if _, ok := availableSet[v]; !ok {
			level.Warn(p.Logger).Log("msg", "station does not report requested variable", "station", stationID, "variable", v)
			continue
		}
		for code, name := range sensorRename {
			if name == v {
				codes = append(codes, code)
				break
			}
		}
	}
	return codes, nil
}

// FetchRaw covers [Start, End] with one upstream call per (chunk, sensor).
// Individual call failures are logged and skipped, but when not a single call
// for the range succeeds the fetch fails: an outage must surface as an error,
// not as an empty result the caller would record as confirmed absence.
func (p *Province) FetchRaw(ctx context.Context, req provider.FetchRequest) (provider.Raw, error) {
	info, err := p.StationInfo(ctx, req.StationID)
	if err != nil {
		return provider.Raw{}, err
	}

	codes, err := p.sensorCodes(ctx, req.StationID, req.Sensors)
	if err != nil {
		return provider.Raw{}, err
	}

	step, err := p.Freq(nil)
	if err != nil {
		return provider.Raw{}, err
	}

	cfg := p.Config()
	start := req.Start.In(p.Location)
	end := req.End.In(p.Location)
	chunks, err := provider.SplitDates(start, end, step, cfg.ChunkSizeDays, cfg.SplitOnYear)
	if err != nil {
		return provider.Raw{}, err
	}

	var (
		rows      []rawRow
		attempted int
		succeeded int
		lastErr   error
	)
	for _, chunk := range chunks {
		for _, code := range codes {
			q := url.Values{}
			q.Set("station_code", req.StationID)
			q.Set("sensor_code", code)
			q.Set("date_from", chunk.Start.Format("200601021504"))
			q.Set("date_to", chunk.End.Format("200601021504"))

			attempted++
			body, err := p.Get(ctx, p.endpoint+"/timeseries?"+q.Encode())
			if err != nil {
				if ctx.Err() != nil {
					return provider.Raw{}, err
				}
				level.Error(p.Logger).Log("msg", "timeseries request failed", "station", req.StationID, "sensor", code, "err", err)
				lastErr = err
				continue
			}

			var entries []timeseriesRow
			if err := json.Unmarshal(body, &entries); err != nil {
				level.Error(p.Logger).Log("msg", "cannot decode timeseries response", "sensor", code, "err", err)
				lastErr = errors.Wrapf(provider.ErrContract, "decoding timeseries: %s", err)
				continue
			}
			succeeded++
			if len(entries) == 0 {
				level.Warn(p.Logger).Log("msg", "no data returned", "station", req.StationID, "sensor", code, "from", chunk.Start, "to", chunk.End)
				continue
			}
			for _, e := range entries {
				rows = append(rows, rawRow{station: req.StationID, sensor: code, date: e.Date, value: e.Value})
			}
		}
	}

	if attempted > 0 && succeeded == 0 {
		return provider.Raw{}, errors.Wrapf(lastErr, "no timeseries request for station %s succeeded", req.StationID)
	}
	return provider.Raw{Payload: rows, Station: info}, nil
}

// Transform pivots the per-sensor rows into the canonical frame: one record
// per instant carrying every sensor value observed at it, timestamps localized
// then converted to UTC and floored to the 10 minute grid.
func (p *Province) Transform(raw provider.Raw) (*meteo.Frame, error) {
	rows, ok := raw.Payload.([]rawRow)
	if !ok {
		return nil, errors.Wrapf(provider.ErrContract, "unexpected raw payload %T", raw.Payload)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	step, err := p.Freq(nil)
	if err != nil {
		return nil, err
	}

	type rowKey struct {
		unix    int64
		station string
	}
	merged := map[rowKey]*meteo.Record{}
	var order []rowKey

	for _, row := range rows {
		ts, err := p.parseLocalTime(row.date)
		if err != nil {
			level.Error(p.Logger).Log("msg", "cannot parse timestamp", "value", row.date, "err", err)
			continue
		}
		ts = meteo.Floor(ts.UTC(), step)

		name, ok := sensorRename[row.sensor]
		if !ok {
			continue
		}

		k := rowKey{unix: ts.Unix(), station: row.station}
		rec, ok := merged[k]
		if !ok {
			rec = &meteo.Record{Datetime: ts, StationID: row.station, Values: map[string]*float64{}}
			merged[k] = rec
			order = append(order, k)
		}
		rec.Values[name] = row.value
	}

	frame := meteo.NewFrame(time.UTC)
	for _, k := range order {
		rec := merged[k]
		// Precipitation arrives on a denser grid than everything else; rows
		// carrying only precipitation timestamps off the common grid are noise.
		if !keepRecord(rec) {
			continue
		}
		frame.Append(*rec)
	}
	frame.Sort()
	if frame.Empty() {
		return nil, nil
	}
	return frame, nil
}

func keepRecord(rec *meteo.Record) bool {
	other := 0
	for name, val := range rec.Values {
		if name == "precipitation" {
			continue
		}
		other++
		if val != nil {
			return true
		}
	}
	return other == 0
}

// parseLocalTime handles the provider's naive local timestamps, which carry a
// CEST/CET marker instead of an offset. The marker disambiguates the repeated
// wall hour at the DST fall-back.
func (p *Province) parseLocalTime(s string) (time.Time, error) {
	const layout = "2006-01-02T15:04:05"

	trimmed := s
	var fixed *time.Location
	switch {
	case strings.HasSuffix(s, "CEST"):
		trimmed = strings.TrimSuffix(s, "CEST")
		fixed = time.FixedZone("CEST", 2*60*60)
	case strings.HasSuffix(s, "CET"):
		trimmed = strings.TrimSuffix(s, "CET")
		fixed = time.FixedZone("CET", 1*60*60)
	}
	trimmed = strings.TrimSpace(trimmed)

	if fixed != nil {
		return time.ParseInLocation(layout, trimmed, fixed)
	}
	return time.ParseInLocation(layout, trimmed, p.Location)
}

func (p *Province) Validate(f *meteo.Frame) (*meteo.Frame, error) {
	return provider.ValidateFrame(f)
}

func (p *Province) Run(ctx context.Context, req provider.FetchRequest) (*meteo.Frame, error) {
	raw, err := p.FetchRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	frame, err := p.Transform(raw)
	if err != nil || frame == nil {
		return nil, err
	}
	return p.Validate(frame)
}

// String implements fmt.Stringer for log readability.
func (p *Province) String() string {
	return fmt.Sprintf("province(freq=%s)", p.Desc.Freq)
}
