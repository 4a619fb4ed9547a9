package topology

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "k8s.io/klog/v2"

	"github.com/cloudobs/ado-pipeline-harvester/pkg/devops"
)

var (
	cachedProjects = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ado_harvester_cached_projects",
		Help: "Number of projects in the topology cache",
	})

	pipelineRefreshErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ado_harvester_pipeline_refresh_errors_total",
		Help: "Total number of per-project pipeline listing failures during cache refresh",
	})
)

// Lister is the slice of the upstream API needed to rebuild the cache.
type Lister interface {
	ListProjects() ([]devops.Project, error)
	ListPipelines(project string) ([]devops.Pipeline, error)
}

// Refresh rebuilds the whole snapshot from upstream and swaps it into the
// cache. A project listing failure aborts the refresh and leaves the
// previous snapshot authoritative. A pipeline listing failure affects only
// that project: it stays cached with an empty pipeline set until the next
// refresh.
func Refresh(upstream Lister, cache *Cache) error {
	log.V(2).Info("rebuilding project cache")

	projects, err := upstream.ListProjects()
	if err != nil {
		return errors.Wrap(err, "failed to list projects")
	}

	next := make(map[string]*Project, len(projects))
	for _, p := range projects {
		next[p.Name] = &Project{
			ID:        p.ID,
			Name:      p.Name,
			Pipelines: map[int]devops.Pipeline{},
		}
	}
	log.Infof("fetched %d projects", len(next))

	for name, project := range next {
		log.V(3).Infof("building pipeline cache for project %q", name)
		pipelines, err := upstream.ListPipelines(name)
		if err != nil {
			pipelineRefreshErrors.Inc()
			log.Errorf("failed to list pipelines for project %q: %v", name, err)
			continue
		}
		for _, pl := range pipelines {
			project.Pipelines[pl.ID] = pl
		}
	}

	cache.Replace(next)
	cachedProjects.Set(float64(cache.Size()))
	return nil
}
