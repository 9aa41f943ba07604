// Package api is the thin HTTP surface over the workflow: parameter parsing,
// error-to-status mapping and JSON shaping. No domain logic lives here.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/sitscholl/MeteoService/modules/querier"
	"github.com/sitscholl/MeteoService/modules/workflow"
	"github.com/sitscholl/MeteoService/pkg/meteo"
	"github.com/sitscholl/MeteoService/pkg/provider"
	"github.com/sitscholl/MeteoService/pkg/provider/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type API struct {
	workflow *workflow.Workflow
	logger   log.Logger
}

func New(w *workflow.Workflow, logger log.Logger) *API {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &API{workflow: w, logger: logger}
}

func (a *API) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", a.rootHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", a.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/providers", a.providersHandler).Methods(http.MethodGet)
	r.HandleFunc("/providers/{provider}/stations", a.stationsHandler).Methods(http.MethodGet)
	r.HandleFunc("/query", a.queryGetHandler).Methods(http.MethodGet)
	r.HandleFunc("/query", a.queryPostHandler).Methods(http.MethodPost)
}

func (a *API) rootHandler(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"service":   "meteoservice",
		"endpoints": []string{"/health", "/providers", "/providers/{provider}/stations", "/query"},
	})
}

func (a *API) healthHandler(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) providersHandler(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{"providers": a.workflow.Providers()})
}

func (a *API) stationsHandler(w http.ResponseWriter, r *http.Request) {
	providerName := mux.Vars(r)["provider"]
	stations, err := a.workflow.Stations(r.Context(), providerName)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"provider": providerName, "stations": stations})
}

// queryRequest is the POST body form of a query. GET requests carry the same
// fields as URL parameters.
type queryRequest struct {
	Provider  string   `json:"provider"`
	StationID string   `json:"station_id"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	Timezone  string   `json:"timezone"`
	Latest    bool     `json:"latest"`
	Variables []string `json:"variables"`
	Models    []string `json:"models"`
	Agg       string   `json:"agg"`
	MinSize   int      `json:"min_size"`
}

func (a *API) queryGetHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	latest, _ := strconv.ParseBool(q.Get("latest"))
	minSize, _ := strconv.Atoi(q.Get("min_size"))
	req := queryRequest{
		Provider:  q.Get("provider"),
		StationID: q.Get("station_id"),
		Start:     q.Get("start"),
		End:       q.Get("end"),
		Timezone:  q.Get("timezone"),
		Latest:    latest,
		Variables: splitList(q.Get("variables")),
		Models:    splitList(q.Get("models")),
		Agg:       q.Get("agg"),
		MinSize:   minSize,
	}
	a.runQuery(w, r, req)
}

func (a *API) queryPostHandler(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, errors.Wrap(querier.ErrInvalidRange, "malformed request body"))
		return
	}
	a.runQuery(w, r, req)
}

func (a *API) runQuery(w http.ResponseWriter, r *http.Request, req queryRequest) {
	params, err := a.toParams(req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	resp, err := a.workflow.RunTimeseriesQuery(r.Context(), params)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) toParams(req queryRequest) (workflow.QueryParams, error) {
	if req.Provider == "" {
		return workflow.QueryParams{}, errors.Wrap(querier.ErrInvalidRange, "provider is required")
	}
	if req.StationID == "" {
		return workflow.QueryParams{}, errors.Wrap(querier.ErrInvalidRange, "station_id is required")
	}

	zone, err := a.workflow.Zone(req.Timezone)
	if err != nil {
		return workflow.QueryParams{}, err
	}

	start, err := parseTime(req.Start, zone)
	if err != nil {
		return workflow.QueryParams{}, err
	}
	end, err := parseTime(req.End, zone)
	if err != nil {
		return workflow.QueryParams{}, err
	}

	return workflow.QueryParams{
		Provider:  req.Provider,
		StationID: req.StationID,
		Start:     start,
		End:       end,
		Timezone:  req.Timezone,
		Latest:    req.Latest,
		Variables: req.Variables,
		Models:    req.Models,
		Agg:       req.Agg,
		MinSize:   req.MinSize,
	}, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTime accepts RFC3339 or common naive layouts; naive timestamps are
// interpreted in the request's zone.
func parseTime(s string, zone *time.Location) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, zone); err == nil {
			return &t, nil
		}
	}
	return nil, errors.Wrapf(querier.ErrInvalidRange, "cannot parse time %q", s)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		level.Error(a.logger).Log("msg", "writing response", "err", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		level.Error(a.logger).Log("msg", "request failed", "status", status, "err", err)
	} else {
		level.Debug(a.logger).Log("msg", "request rejected", "status", status, "err", err)
	}
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain error kinds onto HTTP statuses. Client mistakes are
// 4xx, upstream trouble is 502, anything unexpected is 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownProvider),
		errors.Is(err, provider.ErrUnknownStation):
		return http.StatusNotFound
	case errors.Is(err, querier.ErrInvalidRange),
		errors.Is(err, workflow.ErrPastOnly),
		errors.Is(err, querier.ErrMultiModelUnsupported),
		errors.Is(err, provider.ErrMixedFrequency),
		errors.Is(err, meteo.ErrBadFrequency):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrContract),
		errors.Is(err, provider.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
