// Package openmeteo adapts the Open-Meteo forecast API: an hourly forecast
// provider whose "stations" are configured coordinates and whose requests are
// keyed by forecast model.
package openmeteo

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
	Name = "open-meteo"

	defaultEndpoint = "https://api.open-meteo.com/v1/forecast"

	defaultModel = "meteoswiss_icon_seamless"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var hourlyRename = map[string]string{
	"temperature_2m":                "tair_2m",
	"relative_humidity_2m":          "relative_humidity",
	"precipitation":                 "precipitation",
	"wind_speed_10m":                "wind_speed",
	"wind_direction_10m":            "wind_direction",
	"wind_gusts_10m":                "wind_gust",
	"terrestrial_radiation_instant": "solar_radiation",
	"snow_depth":                    "snow_height",
	"cloud_cover":                   "cloud_cover",
}

var weatherModels = map[string]struct{}{
	"best_match": {}, "ecmwf_ifs": {}, "ecmwf_ifs025": {}, "ecmwf_aifs025_single": {},
	"cma_grapes_global": {}, "bom_access_global": {}, "icon_seamless": {}, "icon_global": {},
	"icon_eu": {}, "icon_d2": {}, "metno_seamless": {}, "metno_nordic": {},
	"gfs_seamless": {}, "gfs_global": {}, "gfs_hrrr": {}, "ncep_nbm_conus": {},
	"ncep_nam_conus": {}, "gfs_graphcast025": {}, "gem_seamless": {}, "gem_global": {},
	"gem_regional": {}, "gem_hrdps_continental": {}, "knmi_seamless": {},
	"knmi_harmonie_arome_europe": {}, "dmi_seamless": {}, "dmi_harmonie_arome_europe": {},
	"jma_seamless": {}, "jma_msm": {}, "jma_gsm": {}, "meteofrance_seamless": {},
	"meteofrance_arpege_world": {}, "meteofrance_arpege_europe": {},
	"meteofrance_arome_france": {}, "meteofrance_arome_france_hd": {}, "ukmo_seamless": {},
	"ukmo_global_deterministic_10km": {}, "ukmo_uk_deterministic_2km": {}, "kma_seamless": {},
	"kma_ldps": {}, "kma_gdps": {}, "italia_meteo_arpae_icon_2i": {},
	"meteoswiss_icon_seamless": {}, "meteoswiss_icon_ch1": {}, "meteoswiss_icon_ch2": {},
}

type hourlyResponse struct {
	Hourly map[string]jsoniter.RawMessage `json:"hourly"`
}

// modelSeries is one model's decoded hourly block.
type modelSeries struct {
	station string
	model   string
	times   []string
	series  map[string][]*float64
}

type OpenMeteo struct {
	*provider.Base

	endpoint string

	mtx       sync.Mutex
	locations map[string]provider.Location
}

var _ provider.Provider = (*OpenMeteo)(nil)

func New(cfg provider.Config, logger log.Logger) (*OpenMeteo, error) {
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
		return nil, errors.New("open-meteo requires at least one configured location")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &OpenMeteo{Base: base, endpoint: endpoint, locations: cfg.Locations}, nil
}

func (o *OpenMeteo) Freq(_ []string) (time.Duration, error) {
	return meteo.ParseFreq(o.Desc.Freq)
}

func (o *OpenMeteo) ListStations(_ context.Context) ([]string, error) {
	out := make([]string, 0, len(o.locations))
	for name := range o.locations {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (o *OpenMeteo) StationInfo(_ context.Context, stationID string) (meteo.StationInfo, error) {
	loc, ok := o.locations[stationID]
	if !ok {
		return meteo.StationInfo{}, errors.Wrap(provider.ErrUnknownStation, stationID)
	}
	info := meteo.StationInfo{Name: stationID, Latitude: meteo.Float(loc.Lat), Longitude: meteo.Float(loc.Lon)}
	if loc.Elevation != 0 {
		info.Elevation = meteo.Float(loc.Elevation)
	}
	return info, nil
}

func (o *OpenMeteo) Sensors(_ context.Context, _ string) ([]string, error) {
	out := make([]string, 0, len(hourlyRename))
	for _, v := range hourlyRename {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// resolveModels lowercases, defaults and validates the model selection.
func resolveModels(models []string) ([]string, error) {
	if len(models) == 0 {
		return []string{defaultModel}, nil
	}
	out := make([]string, 0, len(models))
	for _, m := range models {
		m = strings.ToLower(m)
		if _, ok := weatherModels[m]; !ok {
			return nil, errors.Wrapf(provider.ErrContract, "unknown weather model %q", m)
		}
		out = append(out, m)
	}
	return out, nil
}

// resolveSensors maps the requested canonical variables back to upstream
// parameter names, defaulting to the full catalogue.
func resolveSensors(requested []string) []string {
	if len(requested) == 0 {
		out := make([]string, 0, len(hourlyRename))
		for param := range hourlyRename {
			out = append(out, param)
		}
		sort.Strings(out)
		return out
	}
	var out []string
	for param, canonical := range hourlyRename {
		for _, want := range requested {
			if canonical == want {
				out = append(out, param)
			}
		}
	}
	sort.Strings(out)
	return out
}

// FetchRaw issues one request per model, all models in parallel, each carrying
// the comma-separated sensor list, and concatenates the results. A single
// failed model is logged and skipped; all models failing is an upstream error,
// not an empty result.
func (o *OpenMeteo) FetchRaw(ctx context.Context, req provider.FetchRequest) (provider.Raw, error) {
	info, err := o.StationInfo(ctx, req.StationID)
	if err != nil {
		return provider.Raw{}, err
	}

	models, err := resolveModels(req.Models)
	if err != nil {
		return provider.Raw{}, err
	}
	sensors := resolveSensors(req.Sensors)

	loc := o.locations[req.StationID]

	var (
		mtx    sync.Mutex
		result []modelSeries
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, model := range models {
		g.Go(func() error {
			series, err := o.fetchModel(gctx, req, loc, model, sensors)
			if err != nil {
				if gctx.Err() != nil {
					return err
				}
				level.Error(o.Logger).Log("msg", "model fetch failed", "station", req.StationID, "model", model, "err", err)
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
	if err := g.Wait(); err != nil {
		return provider.Raw{}, err
	}

	if failed == len(models) {
		return provider.Raw{}, errors.Wrapf(provider.ErrUpstream, "every model fetch for station %s failed", req.StationID)
	}
	if len(result) == 0 {
		level.Warn(o.Logger).Log("msg", "no data could be fetched", "station", req.StationID)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].model < result[j].model })
	return provider.Raw{Payload: result, Station: info}, nil
}

func (o *OpenMeteo) fetchModel(ctx context.Context, req provider.FetchRequest, loc provider.Location, model string, sensors []string) (*modelSeries, error) {
	q := url.Values{}
	q.Set("latitude", formatCoord(loc.Lat))
	q.Set("longitude", formatCoord(loc.Lon))
	q.Set("hourly", strings.Join(sensors, ","))
	q.Set("timezone", o.Config().Timezone)
	q.Set("models", model)
	if !req.Start.IsZero() {
		q.Set("start_date", req.Start.In(o.Location).Format("2006-01-02"))
	}
	if !req.End.IsZero() {
		q.Set("end_date", req.End.In(o.Location).Format("2006-01-02"))
	}

	body, err := o.Get(ctx, o.endpoint+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp hourlyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "decoding hourly response")
	}
	if len(resp.Hourly) == 0 {
		return nil, nil
	}

	series := modelSeries{station: req.StationID, model: model, series: map[string][]*float64{}}
	for param, raw := range resp.Hourly {
		if param == "time" {
			if err := json.Unmarshal(raw, &series.times); err != nil {
				return nil, errors.Wrap(err, "decoding time axis")
			}
			continue
		}
		var vals []*float64
		if err := json.Unmarshal(raw, &vals); err != nil {
			return nil, errors.Wrapf(err, "decoding parameter %s", param)
		}
		series.series[param] = vals
	}
	if len(series.times) == 0 {
		return nil, nil
	}
	return &series, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Transform turns the per-model hourly blocks into the canonical frame: the
// model becomes a first-class column, naive timestamps are localized to the
// configured zone and converted to UTC.
func (o *OpenMeteo) Transform(raw provider.Raw) (*meteo.Frame, error) {
	blocks, ok := raw.Payload.([]modelSeries)
	if !ok {
		return nil, errors.Wrapf(provider.ErrContract, "unexpected raw payload %T", raw.Payload)
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	step, err := o.Freq(nil)
	if err != nil {
		return nil, err
	}

	frame := meteo.NewFrame(time.UTC)
	for _, block := range blocks {
		for i, tstr := range block.times {
			ts, err := time.ParseInLocation("2006-01-02T15:04", tstr, o.Location)
			if err != nil {
				level.Error(o.Logger).Log("msg", "cannot parse timestamp", "value", tstr, "err", err)
				continue
			}
			values := map[string]*float64{}
			for param, vals := range block.series {
				name, ok := hourlyRename[param]
				if !ok {
					level.Warn(o.Logger).Log("msg", "unrecognized parameter", "parameter", param)
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

func (o *OpenMeteo) Validate(f *meteo.Frame) (*meteo.Frame, error) {
	return provider.ValidateFrame(f)
}

func (o *OpenMeteo) Run(ctx context.Context, req provider.FetchRequest) (*meteo.Frame, error) {
	raw, err := o.FetchRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	frame, err := o.Transform(raw)
	if err != nil || frame == nil {
		return nil, err
	}
	return o.Validate(frame)
}
