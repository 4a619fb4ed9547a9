package runmetrics

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloudobs/ado-pipeline-harvester/pkg/bulk"
)

var metricsIngestHTTPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ado_harvester_metrics_ingest_http_responses_total",
	Help: "Total number of HTTP responses of the metrics ingest endpoint",
}, []string{"response_code"})

// Client posts counter increments to the metrics ingest endpoint. Delivery
// is best-effort: callers log failures and move on.
type Client struct {
	ingestURL string
	token     string

	client *retryablehttp.Client
}

func NewClient(ingestURL string, accessToken string, timeout time.Duration) *Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.RetryMax = 3
	client.Logger = nil

	return &Client{
		ingestURL: ingestURL,
		token:     accessToken,
		client:    client,
	}
}

func (c *Client) Submit(increments []Increment) error {
	payload, err := json.Marshal(increments)
	if err != nil {
		return errors.Wrap(err, "failed to encode increments")
	}

	request, err := retryablehttp.NewRequest(http.MethodPost, c.ingestURL, payload)
	if err != nil {
		return errors.Wrap(err, "failed to build metrics ingest request")
	}
	request.Header.Set("Content-Type", "application/json")
	request.SetBasicAuth("", c.token)

	response, err := c.client.Do(request)
	if err != nil {
		return errors.Wrap(err, "failed to post increments")
	}
	defer func() {
		_ = response.Body.Close()
	}()

	metricsIngestHTTPResponses.WithLabelValues(strconv.Itoa(response.StatusCode)).Inc()

	if response.StatusCode/100 != 2 {
		body, _ := ioutil.ReadAll(response.Body)
		return &bulk.DeliveryError{StatusCode: response.StatusCode, Body: string(body)}
	}

	return nil
}
