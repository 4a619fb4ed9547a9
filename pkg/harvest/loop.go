package harvest

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "k8s.io/klog/v2"

	"github.com/cloudobs/ado-pipeline-harvester/pkg/bulk"
	"github.com/cloudobs/ado-pipeline-harvester/pkg/devops"
	"github.com/cloudobs/ado-pipeline-harvester/pkg/topology"
)

const (
	DefaultPollInterval         = 30 * time.Second
	DefaultCacheRefreshInterval = 30 * time.Minute

	// pause applied after a failed run delivery so a failing upstream is
	// not hammered run after run
	failureThrottle = 1 * time.Second
)

var (
	runsDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ado_harvester_runs_delivered_total",
		Help: "Total number of runs whose logs were fully delivered",
	})

	runDeliveryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ado_harvester_run_delivery_errors_total",
		Help: "Total number of run deliveries that failed and will be retried",
	})

	runMetricsErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ado_harvester_run_metrics_errors_total",
		Help: "Total number of per-run metric observation failures",
	})

	runListingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ado_harvester_run_listing_errors_total",
		Help: "Total number of pipeline run listing failures during sweeps",
	})

	cacheRefreshErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ado_harvester_cache_refresh_errors_total",
		Help: "Total number of failed topology cache refreshes",
	})
)

// Upstream is the slice of the build-system API the sweep drives.
type Upstream interface {
	ListRuns(project string, pipelineID int) ([]devops.Run, error)
	ListLogs(project string, pipelineID int, runID int) ([]devops.Log, error)
	GetLog(project string, pipelineID int, runID int, logID int) (*devops.Log, error)
	FetchLogContent(signedURL string) (string, error)
}

// MetricsReporter emits per-run duration/count observations. Failures are
// isolated from log delivery.
type MetricsReporter interface {
	Report(project string, run devops.Run) error
}

type Config struct {
	Organization         string
	PollInterval         time.Duration
	CacheRefreshInterval time.Duration
	FlushThreshold       int
	StaticAttributes     map[string]string
}

// Harvester owns the polling loop state: the topology cache, the dedup
// history and the clients. Nothing is ambient, so tests drive it with
// injected fixtures.
type Harvester struct {
	cfg Config

	upstream      Upstream
	topo          topology.Lister
	bulkSubmitter bulk.Submitter
	metrics       MetricsReporter

	cache   *topology.Cache
	history *History

	startTime   time.Time
	lastRefresh time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

func New(cfg Config, upstream Upstream, topo topology.Lister, bulkSubmitter bulk.Submitter, metrics MetricsReporter) *Harvester {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CacheRefreshInterval <= 0 {
		cfg.CacheRefreshInterval = DefaultCacheRefreshInterval
	}

	return &Harvester{
		cfg:           cfg,
		upstream:      upstream,
		topo:          topo,
		bulkSubmitter: bulkSubmitter,
		metrics:       metrics,
		cache:         topology.NewCache(),
		history:       NewHistory(),
		startTime:     time.Now(),
		now:           time.Now,
		sleep:         time.Sleep,
	}
}

// Run builds the initial topology cache and then polls until the context
// is cancelled. The initial cache build is the only fatal failure; after
// it succeeds every error is absorbed into the next cycle.
func (h *Harvester) Run(ctx context.Context) error {
	if err := topology.Refresh(h.topo, h.cache); err != nil {
		return errors.Wrap(err, "initial topology refresh failed")
	}
	h.lastRefresh = h.now()

	log.Info("waiting for runs...")
	for {
		h.Sweep()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.cfg.PollInterval):
		}

		h.maybeRefresh()
	}
}

// Sweep performs one discovery+delivery pass over every cached project and
// pipeline. No error escapes: failed runs stay unmarked and are retried on
// a later sweep.
func (h *Harvester) Sweep() {
	for _, project := range h.cache.Snapshot() {
		for _, pipeline := range project.Pipelines {
			runs, err := h.upstream.ListRuns(project.Name, pipeline.ID)
			if err != nil {
				runListingErrors.Inc()
				log.Errorf("failed to list runs for pipeline %d in project %q: %v", pipeline.ID, project.Name, err)
				continue
			}

			for _, run := range runs {
				if !h.eligible(run) {
					continue
				}

				if err := h.deliverRun(project.Name, run); err != nil {
					runDeliveryErrors.Inc()
					logRunFailure(run.URL, err)
					h.sleep(failureThrottle)
					continue
				}

				h.history.Mark(run.URL)
				runsDeliveredTotal.Inc()
			}
		}
	}
}

// eligible applies the discovery filters: runs created before process
// start are permanently excluded, delivered runs are skipped, and only
// completed runs carry their full log set.
func (h *Harvester) eligible(run devops.Run) bool {
	if run.CreatedDate.Before(h.startTime) {
		return false
	}
	if h.history.Seen(run.URL) {
		return false
	}
	if run.State != devops.StateCompleted {
		return false
	}
	return true
}

// deliverRun pushes one run's observations and logs downstream. Metrics
// and logs are independent delivery paths: a metrics failure is logged and
// log harvesting proceeds. Any log-path failure aborts the run, leaving it
// unmarked for the next sweep.
func (h *Harvester) deliverRun(project string, run devops.Run) error {
	if err := h.metrics.Report(project, run); err != nil {
		runMetricsErrors.Inc()
		log.Errorf("failed to report metrics for run %s: %v", run.URL, err)
	}

	log.V(2).Infof("fetching logs for run %s", run.URL)

	logs, err := h.upstream.ListLogs(project, run.Pipeline.ID, run.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to list logs")
	}

	batch := bulk.NewAppender(h.bulkSubmitter, h.cfg.FlushThreshold)
	rc := bulk.RunContext{
		Organization: h.cfg.Organization,
		Project:      project,
		Run:          run,
	}

	for _, l := range logs {
		detail, err := h.upstream.GetLog(project, run.Pipeline.ID, run.ID, l.ID)
		if err != nil {
			return errors.Wrapf(err, "failed to fetch log %d", l.ID)
		}
		if detail.SignedContent == nil || detail.SignedContent.URL == "" {
			return errors.Errorf("log %d has no signed content URL", l.ID)
		}

		content, err := h.upstream.FetchLogContent(detail.SignedContent.URL)
		if err != nil {
			return errors.Wrapf(err, "failed to fetch content of log %d", l.ID)
		}

		for _, line := range contentLines(content) {
			if err := batch.Append(bulk.NewRecord(line, *detail, rc, h.cfg.StaticAttributes)); err != nil {
				return err
			}
		}
	}

	return batch.Flush()
}

// maybeRefresh rebuilds the topology cache once the refresh interval has
// elapsed and evicts history entries old enough to never reappear in
// upstream listings. A failed refresh keeps the previous snapshot and is
// retried on the next poll cycle.
func (h *Harvester) maybeRefresh() {
	if h.now().Sub(h.lastRefresh) <= h.cfg.CacheRefreshInterval {
		return
	}

	if err := topology.Refresh(h.topo, h.cache); err != nil {
		cacheRefreshErrors.Inc()
		log.Errorf("topology refresh failed, keeping previous cache: %v", err)
		return
	}
	h.lastRefresh = h.now()

	if evicted := h.history.Evict(2 * h.cfg.CacheRefreshInterval); evicted > 0 {
		log.V(2).Infof("evicted %d delivered-run history entries", evicted)
	}
}

// contentLines splits a log body into trimmed lines, dropping blank ones
// so they never inflate a batch.
func contentLines(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// logRunFailure emits the single-line JSON diagnostic operators scrape for
// failed deliveries.
func logRunFailure(runURL string, err error) {
	line, marshalErr := json.Marshal(map[string]string{
		"message": "encountered error while retrieving logs for run",
		"run_url": runURL,
		"error":   err.Error(),
	})
	if marshalErr != nil {
		log.Errorf("failed to deliver run %s: %v", runURL, err)
		return
	}
	log.Error(string(line))
}
