package bulk

import (
	"github.com/cloudobs/ado-pipeline-harvester/pkg/devops"
)

// Record is one flattened log line enriched with its run and pipeline
// metadata, the unit of bulk delivery. Keys use the dotted naming the
// ingest index expects.
type Record map[string]interface{}

// RunContext carries the identifying metadata shared by every record of
// one run's logs.
type RunContext struct {
	Organization string
	Project      string
	Run          devops.Run
}

// NewRecord builds the record for a single log line. Static attributes are
// merged in last and never override the harvested fields.
func NewRecord(line string, logInfo devops.Log, rc RunContext, static map[string]string) Record {
	r := Record{
		"organization":      rc.Organization,
		"project":           rc.Project,
		"body":              line,
		"log.id":            logInfo.ID,
		"log.url":           logInfo.URL,
		"log.line_count":    logInfo.LineCount,
		"run.url":           rc.Run.Links.Web.Href,
		"run.state":         rc.Run.State,
		"run.result":        rc.Run.Result,
		"run.id":            rc.Run.ID,
		"run.name":          rc.Run.Name,
		"pipeline.name":     rc.Run.Pipeline.Name,
		"pipeline.folder":   rc.Run.Pipeline.Folder,
		"pipeline.revision": rc.Run.Pipeline.Revision,
		"pipeline.id":       rc.Run.Pipeline.ID,
		"pipeline.url":      rc.Run.Links.PipelineWeb.Href,
		"_ts":               logInfo.CreatedOn,
	}

	for k, v := range static {
		if _, exists := r[k]; !exists {
			r[k] = v
		}
	}

	return r
}
