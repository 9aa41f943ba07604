// Package geosphere adapts the GeoSphere Austria forecast hub. Models differ
// in native frequency, so a request mixing them is rejected up front.
package geosphere

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sitscholl/MeteoService/pkg/meteo"
	"github.com/sitscholl/MeteoService/pkg/provider"
)

const (
	Name = "geosphere"

	defaultEndpoint = "https://dataset.api.hub.geosphere.at/v1/timeseries/forecast"

	defaultModel = "nwp-v1-1h-2500m"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var parameterRename = map[string]string{
	"t2m": "tair_2m",
	"rr":  "precipitation",
}

// modelFreq is the native sampling interval per forecast model.
var modelFreq = map[string]string{
	"nowcast-v1-15min-1km": "15min",
	"ensemble-v1-1h-2500m": "h",
	"nwp-v1-1h-2500m":      "h",
}

type forecastResponse struct {
	Timestamps []string `json:"timestamps"`
	Properties struct {
		Parameters map[string]struct {
			Data []*float64 `json:"data"`
		} `json:"parameters"`
	} `json:"properties"`
}

type modelSeries struct {
	station    string
	model      string
	timestamps []string
	series     map[string][]*float64
}

type GeoSphere struct {
	*provider.Base

	endpoint  string
	locations map[string]provider.Location
}

var _ provider.Provider = (*GeoSphere)(nil)

func New(cfg provider.Config, logger log.Logger) (*GeoSphere, error) {
	base, err := provider.NewBase(provider.Descriptor{
		Name:        Name,
		Freq:        "h",
		Inclusive:   meteo.IncBoth,
		CanForecast: true,
		CacheData:   false,
	}, cfg, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Locations) == 0 {
		return nil, errors.New("geosphere requires at least one configured location")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &GeoSphere{Base: base, endpoint: endpoint, locations: cfg.Locations}, nil
}

// Freq resolves the effective frequency of a model selection. Models with
// differing native frequency cannot be combined in one query.
func (g *GeoSphere) Freq(models []string) (time.Duration, error) {
	if len(models) == 0 {
		return meteo.ParseFreq(g.Desc.Freq)
	}

	freqs := map[string]struct{}{}
	for _, m := range models {
		f, ok := modelFreq[strings.ToLower(m)]
		if !ok {
			f = g.Desc.Freq
		}
		freqs[f] = struct{}{}
	}
	if len(freqs) > 1 {
		keys := make([]string, 0, len(freqs))
		for f := range freqs {
			keys = append(keys, f)
		}
		sort.Strings(keys)
		return 0, errors.Wrapf(provider.ErrMixedFrequency, "models resolve to %v, query same-frequency models together", keys)
	}
	for f := range freqs {
		return meteo.ParseFreq(f)
	}
	return 0, errors.Wrap(provider.ErrMixedFrequency, "no frequency for selected models")
}

func (g *GeoSphere) ListStations(_ context.Context) ([]string, error) {
	out := make([]string, 0, len(g.locations))
	for name := range g.locations {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (g *GeoSphere) StationInfo(_ context.Context, stationID string) (meteo.StationInfo, error) {
	loc, ok := g.locations[stationID]
	if !ok {
		return meteo.StationInfo{}, errors.Wrap(provider.ErrUnknownStation, stationID)
	}
	info := meteo.StationInfo{Name: stationID, Latitude: meteo.Float(loc.Lat), Longitude: meteo.Float(loc.Lon)}
	if loc.Elevation != 0 {
		info.Elevation = meteo.Float(loc.Elevation)
	}
	return info, nil
}

func (g *GeoSphere) Sensors(_ context.Context, _ string) ([]string, error) {
	out := make([]string, 0, len(parameterRename))
	for _, v := range parameterRename {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func resolveModels(models []string) ([]string, error) {
	if len(models) == 0 {
		return []string{defaultModel}, nil
	}
	out := make([]string, 0, len(models))
	for _, m := range models {
		m = strings.ToLower(m)
		if _, ok := modelFreq[m]; !ok {
			return nil, errors.Wrapf(provider.ErrContract, "unknown model %q", m)
		}
		out = append(out, m)
	}
	return out, nil
}

func resolveParameters(requested []string) []string {
	if len(requested) == 0 {
		out := make([]string, 0, len(parameterRename))
		for param := range parameterRename {
			out = append(out, param)
		}
		sort.Strings(out)
		return out
	}
	var out []string
	for param, canonical := range parameterRename {
		for _, want := range requested {
			if canonical == want {
				out = append(out, param)
			}
		}
	}
	sort.Strings(out)
	return out
}

// FetchRaw runs one request per model concurrently and concatenates whatever
// succeeded. All models failing is an upstream error, not an empty result.
func (g *GeoSphere) FetchRaw(ctx context.Context, req provider.FetchRequest) (provider.Raw, error) {
	info, err := g.StationInfo(ctx, req.StationID)
	if err != nil {
		return provider.Raw{}, err
	}

	models, err := resolveModels(req.Models)
	if err != nil {
		return provider.Raw{}, err
	}
	params := resolveParameters(req.Sensors)
	loc := g.locations[req.StationID]

	var (
		mtx    sync.Mutex
		result []modelSeries
		failed int
	)
	eg, gctx := errgroup.WithContext(ctx)
	for _, model := range models {
		eg.Go(func() error {
			series, err := g.fetchModel(gctx, req, loc, model, params)
			if err != nil {
				if gctx.Err() != nil {
					return err
				}
				level.Error(g.Logger).Log("msg", "model fetch failed", "station", req.StationID, "model", model, "err", err)
				mtx.Lock()
				failed++
				mtx.Unlock()
				return nil
			}
			if series == nil {
				return nil
			}
			mtx.Lock()
			result = append(result, *series)
			mtx.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return provider.Raw{}, err
	}

	if failed == len(models) {
		return provider.Raw{}, errors.Wrapf(provider.ErrUpstream, "every model fetch for station %s failed", req.StationID)
	}
	if len(result) == 0 {
		level.Warn(g.Logger).Log("msg", "no data could be fetched", "station", req.StationID)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].model < result[j].model })
	return provider.Raw{Payload: result, Station: info}, nil
}

func (g *GeoSphere) fetchModel(ctx context.Context, req provider.FetchRequest, loc provider.Location, model string, params []string) (*modelSeries, error) {
	q := url.Values{}
	q.Set("lat_lon", strconv.FormatFloat(loc.Lat, 'f', -1, 64)+","+strconv.FormatFloat(loc.Lon, 'f', -1, 64))
	q.Set("parameters", strings.Join(params, ","))
	q.Set("timezone", g.Config().Timezone)
	if !req.Start.IsZero() {
		q.Set("start", req.Start.In(g.Location).Format("2006-01-02"))
	}
	if !req.End.IsZero() {
		q.Set("end", req.End.In(g.Location).Format("2006-01-02"))
	}

	body, err := g.Get(ctx, g.endpoint+"/"+url.PathEscape(model)+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp forecastResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "decoding forecast response")
	}
	if len(resp.Timestamps) == 0 {
		return nil, nil
	}

	series := modelSeries{station: req.StationID, model: model, timestamps: resp.Timestamps, series: map[string][]*float64{}}
	for param, block := range resp.Properties.Parameters {
		series.series[param] = block.Data
	}
	return &series, nil
}

// Transform builds the canonical model-keyed frame, flooring instants to the
// model's native grid.
func (g *GeoSphere) Transform(raw provider.Raw) (*meteo.Frame, error) {
	blocks, ok := raw.Payload.([]modelSeries)
	if !ok {
		return nil, errors.Wrapf(provider.ErrContract, "unexpected raw payload %T", raw.Payload)
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	frame := meteo.NewFrame(time.UTC)
	for _, block := range blocks {
		step, err := g.Freq([]string{block.model})
		if err != nil {
			return nil, err
		}
		for i, tstr := range block.timestamps {
			ts, err := g.parseTimestamp(tstr)
			if err != nil {
				level.Error(g.Logger).Log("msg", "cannot parse timestamp", "value", tstr, "err", err)
				continue
			}
			values := map[string]*float64{}
			for param, vals := range block.series {
				name, ok := parameterRename[param]
				if !ok {
					continue
				}
				if i < len(vals) {
					values[name] = vals[i]
				} else {
					values[name] = nil
				}
			}
			frame.Append(meteo.Record{
				Datetime:  meteo.Floor(ts.UTC(), step),
				StationID: block.station,
				Model:     block.model,
				Values:    values,
			})
		}
	}

	frame.DedupLastWins()
	frame.Sort()
	if frame.Empty() {
		return nil, nil
	}
	return frame, nil
}

// parseTimestamp accepts both offset-carrying and naive timestamps; the hub
// returns naive local time when a timezone parameter was sent.
func (g *GeoSphere) parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if ts, err := time.ParseInLocation(layout, s, g.Location); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.Errorf("unsupported timestamp format %q", s)
}

func (g *GeoSphere) Validate(f *meteo.Frame) (*meteo.Frame, error) {
	return provider.ValidateFrame(f)
}

func (g *GeoSphere) Run(ctx context.Context, req provider.FetchRequest) (*meteo.Frame, error) {
	raw, err := g.FetchRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	frame, err := g.Transform(raw)
	if err != nil || frame == nil {
		return nil, err
	}
	return g.Validate(frame)
}
