package ops

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "k8s.io/klog/v2"

	"github.com/cloudobs/ado-pipeline-harvester/pkg/version"
)

const HealthEndpoint = "/health"

var versionInfo = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ado_harvester_version",
	Help: "Build info",
}, []string{"version", "git_sha1"})

// Server exposes the operator endpoints: /health and Prometheus /metrics.
type Server struct {
	Port int
}

func (s *Server) InitHTTP() {
	http.HandleFunc(HealthEndpoint, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	http.Handle("/metrics", promhttp.Handler())

	log.Infof("application metrics available at '*:%d/metrics'", s.Port)

	versionInfo.With(prometheus.Labels{"version": version.VERSION, "git_sha1": version.REVISION}).Inc()
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", s.Port), nil))
}
