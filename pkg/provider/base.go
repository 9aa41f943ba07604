package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cristalhq/hedgedhttp"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	metricUpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meteoservice",
		Name:      "upstream_requests_total",
		Help:      "Total upstream HTTP requests by provider and outcome.",
	}, []string{"provider", "status"})
	metricUpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meteoservice",
		Name:      "upstream_request_duration_seconds",
		Help:      "Time spent on upstream HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(.05, 2, 10),
	}, []string{"provider"})
	metricHedgedRoundTrips = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meteoservice",
		Name:      "upstream_hedged_roundtrips_total",
		Help:      "Total number of hedged upstream requests. Registered as a gauge for code sanity. This is a counter.",
	}, []string{"provider"})
)

// Base carries everything the concrete adapters share: the refcounted open
// scope owning one hedged HTTP client, the concurrency token, the mandatory
// inter-request delay and the upstream circuit breaker.
type Base struct {
	Desc     Descriptor
	Logger   log.Logger
	Location *time.Location

	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mtx    sync.Mutex
	refs   int
	client *http.Client
	stats  *hedgedhttp.Stats
}

// NewBase builds the shared adapter state. The configured timezone must
// resolve; adapters cannot localize naive provider timestamps without it.
func NewBase(desc Descriptor, cfg Config, logger log.Logger) (*Base, error) {
	cfg.RegisterFlagsAndApplyDefaults()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "provider %s: invalid timezone %q", desc.Name, cfg.Timezone)
	}

	if desc.LatestWindow == 0 {
		desc.LatestWindow = cfg.LatestWindow
	}
	if desc.ForecastWindow == 0 {
		desc.ForecastWindow = cfg.ForecastWindow
	}

	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Base{
		Desc:     desc,
		Logger:   log.With(logger, "provider", desc.Name),
		Location: loc,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		limiter:  rate.NewLimiter(rate.Every(cfg.RequestDelay), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     desc.Name,
			Interval: time.Minute,
			Timeout:  30 * time.Second,
		}),
	}, nil
}

func (b *Base) Descriptor() Descriptor { return b.Desc }

func (b *Base) Config() Config { return b.cfg }

// Open enters the adapter's open scope. The first acquisition creates the
// shared hedged HTTP client; the last release tears it down. Re-entry is
// refcounted, so nested scopes are a no-op.
func (b *Base) Open(_ context.Context) (CloseFunc, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.refs == 0 {
		transport, stats, err := hedgedhttp.NewRoundTripperAndStats(
			b.cfg.HedgeRequestsAt,
			b.cfg.HedgeRequestsUpTo,
			http.DefaultTransport,
		)
		if err != nil {
			return nil, errors.Wrap(err, "creating hedged transport")
		}
		b.client = &http.Client{Transport: transport, Timeout: b.cfg.Timeout}
		b.stats = stats
		level.Debug(b.Logger).Log("msg", "opened provider session")
	}
	b.refs++

	var once sync.Once
	return func() { once.Do(b.release) }, nil
}

func (b *Base) release() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.refs--
	if b.refs > 0 {
		return
	}
	if b.stats != nil {
		metricHedgedRoundTrips.WithLabelValues(b.Desc.Name).Set(float64(b.stats.RequestedRoundTrips()))
	}
	b.client.CloseIdleConnections()
	b.client = nil
	b.stats = nil
	level.Debug(b.Logger).Log("msg", "closed provider session")
}

func (b *Base) httpClient() (*http.Client, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.refs == 0 || b.client == nil {
		return nil, ErrNotOpen
	}
	return b.client, nil
}

// Get performs one rate-limited upstream GET under the adapter's semaphore and
// circuit breaker, retrying transient failures. It must be called inside an
// Open scope.
func (b *Base) Get(ctx context.Context, url string) ([]byte, error) {
	client, err := b.httpClient()
	if err != nil {
		return nil, err
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(ErrUpstream, err.Error())
	}
	defer b.sem.Release(1)

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(ErrUpstream, err.Error())
	}

	bo := backoff.New(ctx, backoff.Config{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		MaxRetries: 3,
	})

	start := time.Now()
	defer func() {
		metricUpstreamDuration.WithLabelValues(b.Desc.Name).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for bo.Ongoing() {
		body, retryable, err := b.get(ctx, client, url)
		if err == nil {
			metricUpstreamRequests.WithLabelValues(b.Desc.Name, "ok").Inc()
			return body, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		level.Warn(b.Logger).Log("msg", "upstream request failed, retrying", "url", url, "err", err)
		bo.Wait()
	}

	metricUpstreamRequests.WithLabelValues(b.Desc.Name, "error").Inc()
	return nil, errors.Wrapf(ErrUpstream, "%s: %s", url, lastErr)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func (b *Base) get(ctx context.Context, client *http.Client, url string) (body []byte, retryable bool, err error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode/100 != 2 {
			return nil, &statusError{code: resp.StatusCode}
		}
		return payload, nil
	})
	if err != nil {
		// The breaker rejecting fast, a cancelled context and deterministic
		// client errors are not worth retrying; network errors and 5xx are.
		var se *statusError
		if errors.Is(err, gobreaker.ErrOpenState) || ctx.Err() != nil ||
			(errors.As(err, &se) && se.code/100 == 4) {
			return nil, false, err
		}
		return nil, true, err
	}
	return res.([]byte), false, nil
}
