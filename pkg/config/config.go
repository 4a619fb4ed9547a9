package config

import (
	"io/ioutil"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Settings is the full environment-driven configuration. Credentials and
// the organization are required; everything else has a workable default.
type Settings struct {
	ADOAccessToken string `envconfig:"ADO_ACCESS_TOKEN" required:"true"`
	Organization   string `envconfig:"ADO_ORGANIZATION" required:"true"`
	ADOURL         string `envconfig:"ADO_URL" default:"https://dev.azure.com"`

	CloudObsAccessToken string `envconfig:"CLOUDOBS_ACCESS_TOKEN" required:"true"`
	BulkIngestURL       string `envconfig:"CLOUDOBS_BULK_URL" default:"https://logingest.lightstep.com/_bulk"`
	MetricsIngestURL    string `envconfig:"CLOUDOBS_METRICS_URL" default:"https://ingest.lightstep.com/metrics"`

	PollInterval         time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	CacheRefreshInterval time.Duration `envconfig:"CACHE_REFRESH_INTERVAL" default:"30m"`
	FlushThresholdBytes  int           `envconfig:"BULK_FLUSH_THRESHOLD_BYTES" default:"5242880"`
	RequestTimeout       time.Duration `envconfig:"HTTP_REQUEST_TIMEOUT" default:"30s"`

	OpsPort              int    `envconfig:"OPS_PORT" default:"8080"`
	StaticAttributesFile string `envconfig:"STATIC_ATTRIBUTES_FILE"`
}

func Load() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadStaticAttributes reads an optional YAML map of attribute key/value
// pairs that get merged into every delivered record and observation. An
// empty path means no static attributes.
func LoadStaticAttributes(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	content, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var attributes map[string]string
	if err := yaml.Unmarshal(content, &attributes); err != nil {
		return nil, errors.Wrapf(err, "parsing YAML file %s", path)
	}

	return attributes, nil
}
