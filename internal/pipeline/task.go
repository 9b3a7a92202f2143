// Package pipeline describes named, versioned stage lists handed from the
// scheduler to workers.
package pipeline

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Stage invokes Method on the component named by Locator and Name.
type Stage struct {
	Locator string         `json:"locator"`
	Name    string         `json:"name"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

// Task is a pipeline descriptor. Stages run in order.
type Task struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Version string  `json:"version"`
	Domain  string  `json:"domain_id"`
	Stages  []Stage `json:"stages"`
}

func (t Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

func Decode(raw []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, fmt.Errorf("decode pipeline task: %w", err)
	}
	if t.Name == "" || len(t.Stages) == 0 {
		return Task{}, fmt.Errorf("pipeline task %q has no stages", t.ID)
	}
	return t, nil
}

// StringParam reads a string parameter of a stage.
func (s Stage) StringParam(key string) string {
	v, _ := s.Params[key].(string)
	return v
}
