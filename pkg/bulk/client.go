package bulk

import (
	stdjson "encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const maxErrorBodyLength = 500

var ingestHTTPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ado_harvester_bulk_ingest_http_responses_total",
	Help: "Total number of HTTP responses of the bulk ingest endpoint",
}, []string{"response_code"})

// DeliveryError means the ingest endpoint did not accept a batch, either
// via a non-success status or via the errors flag in a success response.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("bulk ingest rejected batch (status %d): %s", e.StatusCode, e.Body)
}

// Client posts newline-delimited bulk payloads to the log ingest endpoint,
// authenticating with an empty username and the access token as password.
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

func (c *Client) Submit(lines []string) error {
	payload := strings.Join(lines, "\n")

	request, err := retryablehttp.NewRequest(http.MethodPost, c.ingestURL, []byte(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build bulk ingest request")
	}
	request.Header.Set("Content-Type", "application/json")
	request.SetBasicAuth("", c.token)

	response, err := c.client.Do(request)
	if err != nil {
		return errors.Wrap(err, "failed to post bulk payload")
	}
	defer func() {
		_ = response.Body.Close()
	}()

	ingestHTTPResponses.WithLabelValues(strconv.Itoa(response.StatusCode)).Inc()

	body, err := ioutil.ReadAll(response.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read bulk ingest response")
	}

	if response.StatusCode/100 != 2 {
		return &DeliveryError{StatusCode: response.StatusCode, Body: truncate(body)}
	}

	var ack struct {
		Errors bool `json:"errors"`
	}
	if err := stdjson.Unmarshal(body, &ack); err == nil && ack.Errors {
		return &DeliveryError{StatusCode: response.StatusCode, Body: truncate(body)}
	}

	return nil
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyLength {
		return string(body[:maxErrorBodyLength])
	}
	return string(body)
}
