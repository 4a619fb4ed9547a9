package devops

import (
	"time"
)

// Run states reported by the pipelines API. Anything other than
// StateCompleted means the run is still producing logs.
const StateCompleted = "completed"

type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Pipeline struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Folder   string `json:"folder"`
	Revision int    `json:"revision"`
}

type Run struct {
	ID           int       `json:"id"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	State        string    `json:"state"`
	Result       string    `json:"result"`
	CreatedDate  time.Time `json:"createdDate"`
	FinishedDate time.Time `json:"finishedDate"`
	Pipeline     Pipeline  `json:"pipeline"`
	Links        RunLinks  `json:"_links"`
}

type RunLinks struct {
	Web         Link `json:"web"`
	PipelineWeb Link `json:"pipeline.web"`
}

type Link struct {
	Href string `json:"href"`
}

// Log is one log file attached to a run. SignedContent is populated only
// on the detail fetch with $expand=signedContent.
type Log struct {
	ID            int            `json:"id"`
	URL           string         `json:"url"`
	LineCount     int64          `json:"lineCount"`
	CreatedOn     string         `json:"createdOn"`
	SignedContent *SignedContent `json:"signedContent"`
}

type SignedContent struct {
	URL              string `json:"url"`
	SignatureExpires string `json:"signatureExpires"`
}
