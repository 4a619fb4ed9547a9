package harvest

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/cloudobs/ado-pipeline-harvester/pkg/devops"
	"github.com/cloudobs/ado-pipeline-harvester/pkg/topology"
)

var testStart = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

type fakeUpstream struct {
	projects  []devops.Project
	pipelines map[string][]devops.Pipeline
	runs      map[int][]devops.Run
	logs      map[int][]devops.Log
	content   map[string]string

	listRunsErr map[int]error
	listLogsErr map[int]error

	listProjectsCalls int
	listLogsCalls     map[int]int
}

func (f *fakeUpstream) ListProjects() ([]devops.Project, error) {
	f.listProjectsCalls++
	return f.projects, nil
}

func (f *fakeUpstream) ListPipelines(project string) ([]devops.Pipeline, error) {
	return f.pipelines[project], nil
}

func (f *fakeUpstream) ListRuns(project string, pipelineID int) ([]devops.Run, error) {
	if err := f.listRunsErr[pipelineID]; err != nil {
		return nil, err
	}
	return f.runs[pipelineID], nil
}

func (f *fakeUpstream) ListLogs(project string, pipelineID int, runID int) ([]devops.Log, error) {
	if f.listLogsCalls == nil {
		f.listLogsCalls = map[int]int{}
	}
	f.listLogsCalls[runID]++
	if err := f.listLogsErr[runID]; err != nil {
		return nil, err
	}
	return f.logs[runID], nil
}

func (f *fakeUpstream) GetLog(project string, pipelineID int, runID int, logID int) (*devops.Log, error) {
	return &devops.Log{
		ID:            logID,
		SignedContent: &devops.SignedContent{URL: fmt.Sprintf("signed://%d", logID)},
	}, nil
}

func (f *fakeUpstream) FetchLogContent(signedURL string) (string, error) {
	return f.content[signedURL], nil
}

type fakeMetrics struct {
	calls int
	err   error
}

func (f *fakeMetrics) Report(project string, run devops.Run) error {
	f.calls++
	return f.err
}

type recordingSubmitter struct {
	batches [][]string
}

func (r *recordingSubmitter) Submit(lines []string) error {
	copied := make([]string, len(lines))
	copy(copied, lines)
	r.batches = append(r.batches, copied)
	return nil
}

func testRun(id int, pipelineID int, created time.Time, state string) devops.Run {
	return devops.Run{
		ID:          id,
		Name:        fmt.Sprintf("run-%d", id),
		URL:         fmt.Sprintf("https://example.invalid/run/%d", id),
		State:       state,
		CreatedDate: created,
		Pipeline:    devops.Pipeline{ID: pipelineID, Name: "build"},
	}
}

func newTestHarvester(upstream *fakeUpstream, submitter *recordingSubmitter, metrics *fakeMetrics) *Harvester {
	h := New(Config{Organization: "org"}, upstream, upstream, submitter, metrics)
	h.startTime = testStart
	h.now = func() time.Time { return testStart }
	h.sleep = func(time.Duration) {}

	h.cache.Replace(map[string]*topology.Project{
		"alpha": {
			ID:   "p1",
			Name: "alpha",
			Pipelines: map[int]devops.Pipeline{
				7: {ID: 7, Name: "build"},
			},
		},
	})
	return h
}

func TestSweepDeliversCompletedRunExactlyOnce(t *testing.T) {
	run := testRun(42, 7, testStart.Add(time.Minute), devops.StateCompleted)

	upstream := &fakeUpstream{
		runs:    map[int][]devops.Run{7: {run}},
		logs:    map[int][]devops.Log{42: {{ID: 1}}},
		content: map[string]string{"signed://1": "line one\nline two\n"},
	}
	submitter := &recordingSubmitter{}
	harvester := newTestHarvester(upstream, submitter, &fakeMetrics{})

	harvester.Sweep()

	if !harvester.history.Seen(run.URL) {
		t.Fatal("delivered run should be marked seen")
	}
	if len(submitter.batches) != 1 {
		t.Fatal(fmt.Sprintf("expected 1 batch, got %d", len(submitter.batches)))
	}
	if upstream.listLogsCalls[42] != 1 {
		t.Fatal(fmt.Sprintf("expected 1 log listing, got %d", upstream.listLogsCalls[42]))
	}

	// run is still present upstream on the next sweep, must not be re-delivered
	harvester.Sweep()

	if upstream.listLogsCalls[42] != 1 {
		t.Fatal("delivered run must not be re-fetched on a later sweep")
	}
	if len(submitter.batches) != 1 {
		t.Fatal("delivered run must not be re-delivered on a later sweep")
	}
}

func TestSweepSkipsRunsCreatedBeforeStart(t *testing.T) {
	old := testRun(41, 7, testStart.Add(-time.Second), devops.StateCompleted)

	upstream := &fakeUpstream{
		runs: map[int][]devops.Run{7: {old}},
	}
	submitter := &recordingSubmitter{}
	harvester := newTestHarvester(upstream, submitter, &fakeMetrics{})

	harvester.Sweep()

	if upstream.listLogsCalls[41] != 0 {
		t.Fatal("run created before process start must never be harvested")
	}
	if harvester.history.Seen(old.URL) {
		t.Fatal("excluded run must not be marked seen")
	}
}

func TestSweepSkipsRunsStillInProgress(t *testing.T) {
	running := testRun(43, 7, testStart.Add(time.Minute), "inProgress")

	upstream := &fakeUpstream{
		runs: map[int][]devops.Run{7: {running}},
	}
	submitter := &recordingSubmitter{}
	harvester := newTestHarvester(upstream, submitter, &fakeMetrics{})

	harvester.Sweep()

	if upstream.listLogsCalls[43] != 0 {
		t.Fatal("in-progress run must not be harvested")
	}
}

func TestSweepIsolatesFailingRun(t *testing.T) {
	runA := testRun(1, 7, testStart.Add(time.Minute), devops.StateCompleted)
	runB := testRun(2, 7, testStart.Add(2*time.Minute), devops.StateCompleted)

	upstream := &fakeUpstream{
		runs:        map[int][]devops.Run{7: {runA, runB}},
		logs:        map[int][]devops.Log{1: {{ID: 11}}, 2: {{ID: 21}}},
		content:     map[string]string{"signed://11": "a\n", "signed://21": "b\n"},
		listLogsErr: map[int]error{1: errors.New("upstream down")},
	}
	submitter := &recordingSubmitter{}
	harvester := newTestHarvester(upstream, submitter, &fakeMetrics{})

	var pauses []time.Duration
	harvester.sleep = func(d time.Duration) { pauses = append(pauses, d) }

	harvester.Sweep()

	if harvester.history.Seen(runA.URL) {
		t.Fatal("failed run must not be marked seen")
	}
	if !harvester.history.Seen(runB.URL) {
		t.Fatal("failure of one run must not block the next run in the sweep")
	}
	if !reflect.DeepEqual(pauses, []time.Duration{time.Second}) {
		t.Fatal(fmt.Sprintf("expected a single 1s throttle pause, got %v", pauses))
	}

	// upstream recovers, the failed run is retried with the same fixture
	delete(upstream.listLogsErr, 1)
	harvester.Sweep()

	if !harvester.history.Seen(runA.URL) {
		t.Fatal("recovered run should be delivered on the next sweep")
	}
	if len(submitter.batches) != 2 {
		t.Fatal(fmt.Sprintf("expected 2 delivered batches, got %d", len(submitter.batches)))
	}
}

func TestRunListingFailureDoesNotAbortSweep(t *testing.T) {
	run := testRun(42, 8, testStart.Add(time.Minute), devops.StateCompleted)

	upstream := &fakeUpstream{
		runs:        map[int][]devops.Run{8: {run}},
		logs:        map[int][]devops.Log{42: {{ID: 1}}},
		content:     map[string]string{"signed://1": "a\n"},
		listRunsErr: map[int]error{7: errors.New("upstream down")},
	}
	submitter := &recordingSubmitter{}
	harvester := newTestHarvester(upstream, submitter, &fakeMetrics{})

	harvester.cache.Replace(map[string]*topology.Project{
		"alpha": {
			Name: "alpha",
			Pipelines: map[int]devops.Pipeline{
				7: {ID: 7},
			},
		},
		"beta": {
			Name: "beta",
			Pipelines: map[int]devops.Pipeline{
				8: {ID: 8},
			},
		},
	})

	harvester.Sweep()

	if !harvester.history.Seen(run.URL) {
		t.Fatal("a failing pipeline listing must not block other pipelines")
	}
}

func TestMetricsFailureDoesNotBlockLogDelivery(t *testing.T) {
	run := testRun(42, 7, testStart.Add(time.Minute), devops.StateCompleted)

	upstream := &fakeUpstream{
		runs:    map[int][]devops.Run{7: {run}},
		logs:    map[int][]devops.Log{42: {{ID: 1}}},
		content: map[string]string{"signed://1": "a\n"},
	}
	submitter := &recordingSubmitter{}
	metrics := &fakeMetrics{err: errors.New("metrics ingest down")}
	harvester := newTestHarvester(upstream, submitter, metrics)

	harvester.Sweep()

	if metrics.calls != 1 {
		t.Fatal("metrics emission should be attempted")
	}
	if !harvester.history.Seen(run.URL) {
		t.Fatal("metrics failure must not block log delivery")
	}
	if len(submitter.batches) != 1 {
		t.Fatal("logs should be delivered despite metrics failure")
	}
}

func TestBlankLogLinesAreDropped(t *testing.T) {
	run := testRun(42, 7, testStart.Add(time.Minute), devops.StateCompleted)

	upstream := &fakeUpstream{
		runs:    map[int][]devops.Run{7: {run}},
		logs:    map[int][]devops.Log{42: {{ID: 1}}},
		content: map[string]string{"signed://1": "a\n\n  \nb\n"},
	}
	submitter := &recordingSubmitter{}
	harvester := newTestHarvester(upstream, submitter, &fakeMetrics{})

	harvester.Sweep()

	if len(submitter.batches) != 1 {
		t.Fatal(fmt.Sprintf("expected 1 batch, got %d", len(submitter.batches)))
	}
	batch := submitter.batches[0]
	if len(batch) != 4 {
		t.Fatal(fmt.Sprintf("expected 2 action/data pairs, got %d lines", len(batch)))
	}

	var bodies []string
	for i := 1; i < len(batch); i += 2 {
		var record map[string]interface{}
		if err := json.Unmarshal([]byte(batch[i]), &record); err != nil {
			t.Fatal(err)
		}
		bodies = append(bodies, record["body"].(string))
	}
	if !reflect.DeepEqual(bodies, []string{"a", "b"}) {
		t.Fatal(fmt.Sprintf("wrong record bodies \n got: %v\n want: %v", bodies, []string{"a", "b"}))
	}
}

func TestContentLines(t *testing.T) {
	lines := contentLines("a\n\n  \nb\n")
	if !reflect.DeepEqual(lines, []string{"a", "b"}) {
		t.Fatal(fmt.Sprintf("wrong lines \n got: %v\n want: %v", lines, []string{"a", "b"}))
	}

	if contentLines("") != nil {
		t.Fatal("empty content should produce no lines")
	}
}

func TestMaybeRefreshHonorsCadence(t *testing.T) {
	upstream := &fakeUpstream{
		projects: []devops.Project{{ID: "p1", Name: "alpha"}},
		pipelines: map[string][]devops.Pipeline{
			"alpha": {{ID: 7, Name: "build"}},
		},
	}
	submitter := &recordingSubmitter{}
	harvester := newTestHarvester(upstream, submitter, &fakeMetrics{})

	current := testStart
	harvester.now = func() time.Time { return current }
	harvester.lastRefresh = testStart

	current = testStart.Add(29 * time.Minute)
	harvester.maybeRefresh()
	if upstream.listProjectsCalls != 0 {
		t.Fatal("refresh must not trigger before the interval elapses")
	}

	current = testStart.Add(30 * time.Minute)
	harvester.maybeRefresh()
	if upstream.listProjectsCalls != 0 {
		t.Fatal("refresh requires strictly more than the interval to elapse")
	}

	current = testStart.Add(30*time.Minute + time.Second)
	harvester.maybeRefresh()
	if upstream.listProjectsCalls != 1 {
		t.Fatal(fmt.Sprintf("expected exactly 1 refresh, got %d", upstream.listProjectsCalls))
	}

	// interval restarts from the refresh just performed
	harvester.maybeRefresh()
	if upstream.listProjectsCalls != 1 {
		t.Fatal("refresh must not re-trigger immediately after completing")
	}
}
