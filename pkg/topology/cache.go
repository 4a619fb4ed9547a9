package topology

import (
	"sort"
	"sync"

	"github.com/cloudobs/ado-pipeline-harvester/pkg/devops"
)

// Project is one cached project together with the pipelines it owns,
// keyed by pipeline id.
type Project struct {
	ID        string
	Name      string
	Pipelines map[int]devops.Pipeline
}

// Cache holds the organization's project/pipeline snapshot. The snapshot is
// only ever swapped wholesale via Replace, never patched in place, so
// readers always observe an internally consistent tree.
type Cache struct {
	mu sync.RWMutex
	//keyed by project name, unique within the organization
	projects map[string]*Project
}

func NewCache() *Cache {
	return &Cache{
		projects: map[string]*Project{},
	}
}

func (c *Cache) Replace(projects map[string]*Project) {
	c.mu.Lock()
	defer c.mu.Unlock()

	newMap := make(map[string]*Project, len(projects))
	for k, v := range projects {
		newMap[k] = v
	}

	c.projects = newMap
}

// Snapshot returns the cached projects ordered by name so sweeps walk the
// tree in a stable order.
func (c *Cache) Snapshot() []*Project {
	c.mu.RLock()
	defer c.mu.RUnlock()

	values := make([]*Project, 0, len(c.projects))
	for _, p := range c.projects {
		values = append(values, p)
	}
	sort.Slice(values, func(i, j int) bool {
		return values[i].Name < values[j].Name
	})

	return values
}

func (c *Cache) Lookup(name string) *Project {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.projects[name]
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.projects)
}
