package runmetrics

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "k8s.io/klog/v2"

	"github.com/cloudobs/ado-pipeline-harvester/pkg/devops"
)

// Counter names used for per-run observations on the metrics ingest side.
const (
	RunCountMetric    = "ado.pipeline.run.count"
	RunDurationMetric = "ado.pipeline.run.duration_ms"
)

var observationsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ado_harvester_run_observations_total",
	Help: "Total number of per-run metric observations submitted",
})

// ComputationError means a run detail record was missing or carried
// malformed timestamps, so no duration observation could be derived.
type ComputationError struct {
	RunURL string
	Reason string
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("cannot compute metrics for run %s: %s", e.RunURL, e.Reason)
}

// Increment is one counter delta tagged with the run's attributes.
type Increment struct {
	Metric     string            `json:"metric"`
	Delta      int64             `json:"delta"`
	Attributes map[string]string `json:"attributes"`
}

// RunFetcher is the slice of the upstream API needed to resolve a run's
// authoritative timestamps.
type RunFetcher interface {
	GetRun(project string, pipelineID int, runID int) (*devops.Run, error)
}

// Submitter delivers counter increments to the metrics ingest endpoint.
type Submitter interface {
	Submit(increments []Increment) error
}

// Reporter derives duration/count observations for completed runs and
// hands them to the metrics ingest client. Its failures never block log
// harvesting for the same run.
type Reporter struct {
	upstream     RunFetcher
	submitter    Submitter
	organization string
	static       map[string]string
}

func NewReporter(upstream RunFetcher, submitter Submitter, organization string, static map[string]string) *Reporter {
	return &Reporter{
		upstream:     upstream,
		submitter:    submitter,
		organization: organization,
		static:       static,
	}
}

// Report fetches the run's detail record, computes the wall-clock duration
// and submits a run-count increment of one plus a duration increment in
// milliseconds, both tagged with the run's outcome attributes.
func (r *Reporter) Report(project string, run devops.Run) error {
	detail, err := r.upstream.GetRun(project, run.Pipeline.ID, run.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to fetch detail for run %s", run.URL)
	}

	millis, err := durationMillis(detail)
	if err != nil {
		return err
	}

	attributes := map[string]string{
		"organization":      r.organization,
		"project":           project,
		"state":             detail.State,
		"result":            detail.Result,
		"name":              detail.Name,
		"pipeline.name":     detail.Pipeline.Name,
		"pipeline.folder":   detail.Pipeline.Folder,
		"pipeline.revision": strconv.Itoa(detail.Pipeline.Revision),
	}
	for k, v := range r.static {
		if _, exists := attributes[k]; !exists {
			attributes[k] = v
		}
	}

	increments := []Increment{
		{Metric: RunCountMetric, Delta: 1, Attributes: attributes},
		{Metric: RunDurationMetric, Delta: millis, Attributes: attributes},
	}

	if err := r.submitter.Submit(increments); err != nil {
		return err
	}

	observationsSubmitted.Inc()
	log.V(4).Infof("submitted run observations for %s (%dms)", run.URL, millis)
	return nil
}

// durationMillis computes elapsed wall-clock time as finish minus create.
// TODO: this truncates to whole seconds before converting to milliseconds,
// so sub-second runs report zero duration.
func durationMillis(run *devops.Run) (int64, error) {
	if run.CreatedDate.IsZero() {
		return 0, &ComputationError{RunURL: run.URL, Reason: "missing createdDate"}
	}
	if run.FinishedDate.IsZero() {
		return 0, &ComputationError{RunURL: run.URL, Reason: "missing finishedDate"}
	}
	if run.FinishedDate.Before(run.CreatedDate) {
		return 0, &ComputationError{RunURL: run.URL, Reason: "finishedDate precedes createdDate"}
	}

	seconds := int64(run.FinishedDate.Sub(run.CreatedDate).Seconds())
	return seconds * 1000, nil
}
