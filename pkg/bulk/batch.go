package bulk

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultFlushThreshold is the accumulated payload size that triggers an
// eager flush mid-run.
const DefaultFlushThreshold = 5 * 1024 * 1024

const actionLine = `{"index":{"_index":"ado_pipeline_logs"}}`

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	batchFlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ado_harvester_batch_flushes_total",
		Help: "Total number of bulk batches flushed to the ingest endpoint",
	})

	recordsBatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ado_harvester_records_batched_total",
		Help: "Total number of log records appended to bulk batches",
	})
)

// Submitter delivers one batch of alternating action/data lines.
type Submitter interface {
	Submit(lines []string) error
}

// Appender accumulates bulk-index action/data line pairs and flushes them
// through its submitter once the accumulated byte size crosses the
// threshold. The size check runs after each append, so a batch can exceed
// the threshold by at most one record.
type Appender struct {
	submitter Submitter
	threshold int

	lines []string
	size  int
}

func NewAppender(submitter Submitter, threshold int) *Appender {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	return &Appender{
		submitter: submitter,
		threshold: threshold,
	}
}

func (a *Appender) Append(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to encode bulk record")
	}

	a.lines = append(a.lines, actionLine, string(data))
	a.size += len(actionLine) + len(data)
	recordsBatchedTotal.Inc()

	if a.size > a.threshold {
		return a.Flush()
	}
	return nil
}

// Flush delivers the pending batch. On delivery failure the batch is kept
// so the error surfaces with nothing silently dropped; the caller decides
// whether to retry or abandon the appender.
func (a *Appender) Flush() error {
	if len(a.lines) == 0 {
		return nil
	}

	if err := a.submitter.Submit(a.lines); err != nil {
		return err
	}

	batchFlushesTotal.Inc()
	a.lines = nil
	a.size = 0
	return nil
}

// Size returns the accumulated byte size of the pending batch.
func (a *Appender) Size() int {
	return a.size
}

// Len returns the number of pending lines, action lines included.
func (a *Appender) Len() int {
	return len(a.lines)
}
