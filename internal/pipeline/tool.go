package pipeline

import (
	"net/http"

	"github.com/inkbound/bindery/internal/job"
)

// Tool is a named pipeline: an ordered list of stages the coordinator runs
// over an assembled input file. Per-tool behavior lives entirely in the
// stages; the coordinator is agnostic to stage count or names.
type Tool struct {
	ID     string
	Title  string
	Stages []job.Stage
}

type Registry map[string]Tool

// NewRegistry wires up the built-in tools. client and modelURL configure the
// storyboard generator's external model endpoint; an empty URL selects the
// local deterministic renderer.
func NewRegistry(client *http.Client, modelURL string) Registry {
	tools := []Tool{
		EPUBFontTool(),
		StoryboardTool(client, modelURL),
	}
	r := make(Registry, len(tools))
	for _, t := range tools {
		r[t.ID] = t
	}
	return r
}

func (r Registry) Get(id string) (Tool, bool) {
	t, ok := r[id]
	return t, ok
}
