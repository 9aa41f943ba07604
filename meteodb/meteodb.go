// Package meteodb is the durable cache under the query pipeline: stations,
// variables and measurements in a relational store with idempotent bulk
// upserts and range queries pivoted back into the canonical frame.
package meteodb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/sitscholl/MeteoService/pkg/meteo"
	"github.com/sitscholl/MeteoService/pkg/provider"
)

var (
	metricQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meteodb",
		Name:      "query_duration_seconds",
		Help:      "Time spent on store operations.",
		Buckets:   prometheus.ExponentialBuckets(.001, 4, 8),
	}, []string{"operation"})
	metricRowsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meteodb",
		Name:      "measurement_rows_inserted_total",
		Help:      "Total measurement rows upserted.",
	})
	metricRowsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meteodb",
		Name:      "measurement_rows_dropped_total",
		Help:      "Measurement rows dropped because their station or variable could not be resolved.",
	})
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const schema = `
CREATE TABLE IF NOT EXISTS stations (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	provider      TEXT NOT NULL,
	external_id   TEXT NOT NULL,
	name          TEXT,
	latitude      REAL,
	longitude     REAL,
	elevation     REAL,
	metadata_json TEXT,
	UNIQUE (provider, external_id)
);

CREATE TABLE IF NOT EXISTS variables (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL UNIQUE,
	unit        TEXT,
	description TEXT
);

CREATE TABLE IF NOT EXISTS measurements (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	station_id  INTEGER NOT NULL REFERENCES stations (id),
	variable_id INTEGER NOT NULL REFERENCES variables (id),
	model       TEXT NOT NULL DEFAULT '',
	datetime    TIMESTAMP NOT NULL,
	value       REAL,
	UNIQUE (station_id, variable_id, model, datetime)
);

CREATE INDEX IF NOT EXISTS idx_measurements_station_variable_datetime
	ON measurements (station_id, variable_id, datetime);
`

// Station is one row of the station directory. A station is identified
// externally by (provider, external id).
type Station struct {
	ID         int64           `db:"id"`
	Provider   string          `db:"provider"`
	ExternalID string          `db:"external_id"`
	Name       sql.NullString  `db:"name"`
	Latitude   sql.NullFloat64 `db:"latitude"`
	Longitude  sql.NullFloat64 `db:"longitude"`
	Elevation  sql.NullFloat64 `db:"elevation"`
	Metadata   sql.NullString  `db:"metadata_json"`
}

type Variable struct {
	ID          int64          `db:"id"`
	Name        string         `db:"name"`
	Unit        sql.NullString `db:"unit"`
	Description sql.NullString `db:"description"`
}

// StationSource is the slice of the provider contract the store needs to
// auto-register stations with best-effort metadata.
type StationSource interface {
	Descriptor() provider.Descriptor
	Open(ctx context.Context) (provider.CloseFunc, error)
	StationInfo(ctx context.Context, stationID string) (meteo.StationInfo, error)
}

type Store struct {
	cfg    Config
	db     *sqlx.DB
	logger log.Logger

	// ensure* lookups collapse concurrent callers for the same key into one
	// insert and memoize the resolved ids for the life of the process.
	flight    singleflight.Group
	stations  syncMap[string, *Station]
	variables syncMap[string, *Variable]
}

func New(cfg Config, logger log.Logger) (*Store, error) {
	cfg.RegisterFlagsAndApplyDefaults("", nil)

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}

	return &Store{cfg: cfg, db: db, logger: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ListProviders returns the distinct providers among known stations.
func (s *Store) ListProviders(ctx context.Context) ([]string, error) {
	defer observe("list_providers")()
	var out []string
	err := s.db.SelectContext(ctx, &out, `SELECT DISTINCT provider FROM stations ORDER BY provider`)
	return out, errors.Wrap(err, "listing providers")
}

// FindStation returns nil when the station is not registered.
func (s *Store) FindStation(ctx context.Context, providerName, externalID string) (*Station, error) {
	defer observe("find_station")()
	var st Station
	err := s.db.GetContext(ctx, &st,
		`SELECT * FROM stations WHERE provider = ? AND external_id = ?`, providerName, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "finding station")
	}
	return &st, nil
}

// ListStations returns all stations, optionally restricted to one provider.
func (s *Store) ListStations(ctx context.Context, providerName string) ([]Station, error) {
	defer observe("list_stations")()
	var out []Station
	var err error
	if providerName == "" {
		err = s.db.SelectContext(ctx, &out, `SELECT * FROM stations ORDER BY provider, external_id`)
	} else {
		err = s.db.SelectContext(ctx, &out, `SELECT * FROM stations WHERE provider = ? ORDER BY external_id`, providerName)
	}
	return out, errors.Wrap(err, "listing stations")
}

// EnsureStation returns the registered station, creating it on first use.
// Metadata is fetched from the provider best-effort: on failure the station is
// registered with identity fields only. Concurrent callers for the same key
// observe a single row.
func (s *Store) EnsureStation(ctx context.Context, src StationSource, externalID string, extra map[string]string) (*Station, error) {
	providerName := src.Descriptor().Name
	key := providerName + "/" + externalID

	if st, ok := s.stations.Load(key); ok {
		return st, nil
	}

	v, err, _ := s.flight.Do("station:"+key, func() (interface{}, error) {
		if st, ok := s.stations.Load(key); ok {
			return st, nil
		}

		st, err := s.FindStation(ctx, providerName, externalID)
		if err != nil {
			return nil, err
		}
		if st == nil {
			info := s.fetchStationInfo(ctx, src, externalID)
			st, err = s.insertStation(ctx, providerName, externalID, info, extra)
			if err != nil {
				return nil, err
			}
		}
		s.stations.Store(key, st)
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Station), nil
}

func (s *Store) fetchStationInfo(ctx context.Context, src StationSource, externalID string) meteo.StationInfo {
	closeFn, err := src.Open(ctx)
	if err != nil {
		level.Warn(s.logger).Log("msg", "cannot open provider for station metadata", "station", externalID, "err", err)
		return meteo.StationInfo{}
	}
	defer closeFn()

	info, err := src.StationInfo(ctx, externalID)
	if err != nil {
		level.Warn(s.logger).Log("msg", "cannot fetch station metadata", "station", externalID, "err", err)
		return meteo.StationInfo{}
	}
	return info
}

func (s *Store) insertStation(ctx context.Context, providerName, externalID string, info meteo.StationInfo, extra map[string]string) (*Station, error) {
	var metadata any
	if len(info.Extra) > 0 || len(extra) > 0 {
		merged := map[string]string{}
		for k, v := range info.Extra {
			merged[k] = v
		}
		for k, v := range extra {
			merged[k] = v
		}
		encoded, err := json.MarshalToString(merged)
		if err == nil {
			metadata = encoded
		}
	}

	// ON CONFLICT DO NOTHING keeps a concurrent insert from another process
	// harmless; the reselect below observes whichever row won.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (provider, external_id, name, latitude, longitude, elevation, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, external_id) DO NOTHING`,
		providerName, externalID, nullString(info.Name), nullFloat(info.Latitude),
		nullFloat(info.Longitude), nullFloat(info.Elevation), metadata)
	if err != nil {
		return nil, errors.Wrap(err, "inserting station")
	}

	st, err := s.FindStation(ctx, providerName, externalID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.Errorf("station %s/%s vanished after insert", providerName, externalID)
	}
	level.Info(s.logger).Log("msg", "station registered", "provider", providerName, "station", externalID)
	return st, nil
}

// EnsureVariable returns the registered variable, creating it on first use.
func (s *Store) EnsureVariable(ctx context.Context, name string) (*Variable, error) {
	if v, ok := s.variables.Load(name); ok {
		return v, nil
	}

	v, err, _ := s.flight.Do("variable:"+name, func() (interface{}, error) {
		if v, ok := s.variables.Load(name); ok {
			return v, nil
		}

		_, err := s.db.ExecContext(ctx,
			`INSERT INTO variables (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name)
		if err != nil {
			return nil, errors.Wrap(err, "inserting variable")
		}

		var vr Variable
		if err := s.db.GetContext(ctx, &vr, `SELECT * FROM variables WHERE name = ?`, name); err != nil {
			return nil, errors.Wrap(err, "selecting variable")
		}
		s.variables.Store(name, &vr)
		return &vr, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Variable), nil
}

type measurementRow struct {
	Datetime  time.Time       `db:"datetime"`
	Value     sql.NullFloat64 `db:"value"`
	Model     string          `db:"model"`
	StationID string          `db:"station_id"`
	Variable  string          `db:"variable"`
}

// QueryMeasurements returns the cached rows for (provider, station) within
// [startUTC, endUTC] (closed on both ends), pivoted into the canonical frame
// with one column per variable. The frame index is UTC; display conversion is
// the caller's business.
func (s *Store) QueryMeasurements(ctx context.Context, providerName, externalID string, startUTC, endUTC time.Time, variables, models []string) (*meteo.Frame, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "meteodb.QueryMeasurements")
	defer span.Finish()
	defer observe("query_measurements")()

	query := `
		SELECT m.datetime AS datetime, m.value AS value, m.model AS model,
		       s.external_id AS station_id, v.name AS variable
		FROM measurements m
		JOIN stations s ON m.station_id = s.id
		JOIN variables v ON m.variable_id = v.id
		WHERE s.provider = ? AND s.external_id = ? AND m.datetime BETWEEN ? AND ?`
	args := []interface{}{providerName, externalID, startUTC.UTC(), endUTC.UTC()}

	if len(variables) > 0 {
		q, a, err := sqlx.In(` AND v.name IN (?)`, variables)
		if err != nil {
			return nil, errors.Wrap(err, "building variable filter")
		}
		query += q
		args = append(args, a...)
	}
	if len(models) > 0 {
		q, a, err := sqlx.In(` AND m.model IN (?)`, models)
		if err != nil {
			return nil, errors.Wrap(err, "building model filter")
		}
		query += q
		args = append(args, a...)
	}
	query += ` ORDER BY m.datetime, s.external_id, m.model`

	var rows []measurementRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying measurements")
	}

	return pivot(rows), nil
}

// pivot folds long rows into one record per (datetime, station, model).
func pivot(rows []measurementRow) *meteo.Frame {
	frame := meteo.NewFrame(time.UTC)
	idx := map[meteo.Key]int{}

	for _, row := range rows {
		rec := meteo.Record{
			Datetime:  row.Datetime.UTC(),
			StationID: row.StationID,
			Model:     row.Model,
			Values:    map[string]*float64{},
		}
		k := rec.Key()
		if i, ok := idx[k]; ok {
			if row.Value.Valid {
				frame.Records[i].Values[row.Variable] = meteo.Float(row.Value.Float64)
			} else {
				frame.Records[i].Values[row.Variable] = nil
			}
			frame.AddVariables(row.Variable)
			continue
		}
		if row.Value.Valid {
			rec.Values[row.Variable] = meteo.Float(row.Value.Float64)
		} else {
			rec.Values[row.Variable] = nil
		}
		idx[k] = frame.Len()
		frame.Append(rec)
	}
	return frame
}

// InsertMeasurements converts the canonical frame to long form, resolves
// station and variable references (auto-registering both) and performs an
// idempotent bulk upsert, newest value winning. Rows whose station or
// variable cannot be resolved are dropped with a warning; NULL values are
// persisted to record confirmed absence.
func (s *Store) InsertMeasurements(ctx context.Context, frame *meteo.Frame, src StationSource) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "meteodb.InsertMeasurements")
	defer span.Finish()
	defer observe("insert_measurements")()

	if frame.Empty() {
		level.Warn(s.logger).Log("msg", "empty frame provided to InsertMeasurements")
		return nil
	}
	vars := frame.Variables()
	if len(vars) == 0 {
		level.Warn(s.logger).Log("msg", "no variable columns found in frame")
		return nil
	}

	stationIDs := map[string]int64{}
	for _, rec := range frame.Records {
		if _, ok := stationIDs[rec.StationID]; ok {
			continue
		}
		st, err := s.EnsureStation(ctx, src, rec.StationID, nil)
		if err != nil {
			level.Warn(s.logger).Log("msg", "skipping rows for unresolvable station", "station", rec.StationID, "err", err)
			stationIDs[rec.StationID] = -1
			continue
		}
		stationIDs[rec.StationID] = st.ID
	}

	variableIDs := map[string]int64{}
	for _, name := range vars {
		v, err := s.EnsureVariable(ctx, name)
		if err != nil {
			level.Warn(s.logger).Log("msg", "skipping unresolvable variable", "variable", name, "err", err)
			variableIDs[name] = -1
			continue
		}
		variableIDs[name] = v.ID
	}

	type longRow struct {
		stationID  int64
		variableID int64
		model      string
		datetime   time.Time
		value      *float64
	}

	var (
		long    []longRow
		dropped int
	)
	for _, rec := range frame.Records {
		sid := stationIDs[rec.StationID]
		if sid < 0 {
			dropped += len(vars)
			continue
		}
		for _, name := range vars {
			vid := variableIDs[name]
			if vid < 0 {
				dropped++
				continue
			}
			long = append(long, longRow{
				stationID:  sid,
				variableID: vid,
				model:      rec.Model,
				datetime:   rec.Datetime.UTC(),
				value:      rec.Values[name],
			})
		}
	}
	if dropped > 0 {
		metricRowsDropped.Add(float64(dropped))
	}
	if len(long) == 0 {
		level.Warn(s.logger).Log("msg", "no measurement rows to insert after resolution")
		return nil
	}

	const stmt = `
		INSERT INTO measurements (station_id, variable_id, model, datetime, value)
		VALUES %s
		ON CONFLICT (station_id, variable_id, model, datetime)
		DO UPDATE SET value = excluded.value`

	for offset := 0; offset < len(long); offset += s.cfg.InsertBatchSize {
		endIdx := offset + s.cfg.InsertBatchSize
		if endIdx > len(long) {
			endIdx = len(long)
		}
		batch := long[offset:endIdx]

		placeholders := ""
		args := make([]interface{}, 0, len(batch)*5)
		for i, row := range batch {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "(?, ?, ?, ?, ?)"
			var value any
			if row.value != nil {
				value = *row.value
			}
			args = append(args, row.stationID, row.variableID, row.model, row.datetime, value)
		}

		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(stmt, placeholders), args...); err != nil {
			return errors.Wrapf(err, "upserting measurement batch at offset %d", offset)
		}
		metricRowsInserted.Add(float64(len(batch)))
	}

	level.Info(s.logger).Log("msg", "measurements inserted", "rows", len(long), "stations", len(stationIDs), "variables", len(vars))
	return nil
}

func observe(op string) func() {
	start := time.Now()
	return func() {
		metricQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
