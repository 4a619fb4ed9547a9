package devops

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "k8s.io/klog/v2"
)

const apiVersion = "7.2-preview.1"

var upstreamHTTPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ado_harvester_upstream_http_responses_total",
	Help: "Total number of HTTP responses of the Azure DevOps API",
}, []string{"response_code"})

// RequestError is returned for any upstream call that did not produce a
// successful HTTP response, including transport failures and timeouts.
type RequestError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request to %s failed: %s", e.URL, e.Err.Error())
	}
	return fmt.Sprintf("request to %s returned status %d", e.URL, e.StatusCode)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Client talks to the Azure DevOps REST API for one organization. The
// transport carries basic auth with an empty username and the personal
// access token as password on every request.
type Client struct {
	organizationURL string
	token           string

	client *retryablehttp.Client
}

func NewClient(baseURL string, organization string, accessToken string, timeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse Azure DevOps url %q", baseURL)
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.RetryMax = 3
	client.Logger = nil

	return &Client{
		organizationURL: parsed.String() + "/" + organization,
		token:           accessToken,
		client:          client,
	}, nil
}

func (c *Client) ListProjects() ([]Project, error) {
	type page struct {
		Value             []Project `json:"value"`
		ContinuationToken string    `json:"continuationToken"`
	}
	return Drain(func(cursor string) ([]Project, string, error) {
		var p page
		err := c.getJSON(c.organizationURL+"/_apis/projects", cursor, nil, &p)
		return p.Value, p.ContinuationToken, err
	})
}

func (c *Client) ListPipelines(project string) ([]Pipeline, error) {
	type page struct {
		Value             []Pipeline `json:"value"`
		ContinuationToken string     `json:"continuationToken"`
	}
	return Drain(func(cursor string) ([]Pipeline, string, error) {
		var p page
		err := c.getJSON(c.projectPath(project, "_apis", "pipelines"), cursor, nil, &p)
		return p.Value, p.ContinuationToken, err
	})
}

func (c *Client) ListRuns(project string, pipelineID int) ([]Run, error) {
	type page struct {
		Value             []Run  `json:"value"`
		ContinuationToken string `json:"continuationToken"`
	}
	return Drain(func(cursor string) ([]Run, string, error) {
		var p page
		err := c.getJSON(c.runsPath(project, pipelineID), cursor, nil, &p)
		return p.Value, p.ContinuationToken, err
	})
}

func (c *Client) ListLogs(project string, pipelineID int, runID int) ([]Log, error) {
	type page struct {
		Logs              []Log  `json:"logs"`
		ContinuationToken string `json:"continuationToken"`
	}
	return Drain(func(cursor string) ([]Log, string, error) {
		var p page
		err := c.getJSON(c.runsPath(project, pipelineID)+"/"+strconv.Itoa(runID)+"/logs", cursor, nil, &p)
		return p.Logs, p.ContinuationToken, err
	})
}

// GetRun fetches the run detail record, which carries the authoritative
// createdDate/finishedDate timestamps missing from the summary listing.
func (c *Client) GetRun(project string, pipelineID int, runID int) (*Run, error) {
	var run Run
	err := c.getJSON(c.runsPath(project, pipelineID)+"/"+strconv.Itoa(runID), "", nil, &run)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetLog fetches the log detail record with its signed content URL expanded.
func (c *Client) GetLog(project string, pipelineID int, runID int, logID int) (*Log, error) {
	params := url.Values{}
	params.Set("$expand", "signedContent")

	var l Log
	err := c.getJSON(c.runsPath(project, pipelineID)+"/"+strconv.Itoa(runID)+"/logs/"+strconv.Itoa(logID), "", params, &l)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// FetchLogContent downloads the raw log body from its signed URL.
func (c *Client) FetchLogContent(signedURL string) (string, error) {
	body, err := c.get(signedURL, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) projectPath(project string, segments ...string) string {
	p := c.organizationURL + "/" + url.PathEscape(project)
	for _, s := range segments {
		p += "/" + s
	}
	return p
}

func (c *Client) runsPath(project string, pipelineID int) string {
	return c.projectPath(project, "_apis", "pipelines", strconv.Itoa(pipelineID), "runs")
}

func (c *Client) getJSON(rawURL string, cursor string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api-version", apiVersion)
	if cursor != "" {
		params.Set("continuationToken", cursor)
	}

	body, err := c.get(rawURL, params)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "failed to parse response of %s", rawURL)
	}
	return nil
}

func (c *Client) get(rawURL string, params url.Values) ([]byte, error) {
	requestURL := rawURL
	if len(params) > 0 {
		requestURL = rawURL + "?" + params.Encode()
	}

	request, err := retryablehttp.NewRequest(http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request for %s", rawURL)
	}
	request.SetBasicAuth("", c.token)

	response, err := c.client.Do(request)
	if err != nil {
		return nil, &RequestError{URL: rawURL, Err: err}
	}
	defer func() {
		_ = response.Body.Close()
	}()

	upstreamHTTPResponses.WithLabelValues(strconv.Itoa(response.StatusCode)).Inc()

	body, err := ioutil.ReadAll(response.Body)
	if err != nil {
		return nil, &RequestError{URL: rawURL, Err: err}
	}

	if response.StatusCode/100 != 2 {
		log.V(4).Infof("upstream returned status %d for %s", response.StatusCode, rawURL)
		return nil, &RequestError{URL: rawURL, StatusCode: response.StatusCode}
	}

	return body, nil
}
