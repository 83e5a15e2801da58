package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// WorkflowDefinition is the YAML workflow format accepted by the submission
// API. Only "tasks" is recognised at the top level.
type WorkflowDefinition struct {
	Tasks []TaskDefinition `yaml:"tasks" json:"tasks"`
}

// TaskDefinition describes a single task in a workflow graph.
type TaskDefinition struct {
	Name         string   `yaml:"name" json:"name"`
	Command      string   `yaml:"command" json:"command"`
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	If           string   `yaml:"if,omitempty" json:"if,omitempty"`
	Retries      int      `yaml:"retries,omitempty" json:"retries,omitempty"`
	Timeout      int      `yaml:"timeout,omitempty" json:"timeout,omitempty"` // seconds, 0 = none
}

// ParseWorkflow decodes a YAML workflow document into a WorkflowDefinition.
// It rejects malformed YAML and documents that fail the workflow JSON Schema
// (unknown keys, missing name/command, negative retries, non-positive
// timeout). Graph-level validation (unknown dependencies, cycles) happens at
// worker start.
func ParseWorkflow(workflowYAML string) (*WorkflowDefinition, error) {
	var raw any
	if err := yaml.Unmarshal([]byte(workflowYAML), &raw); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "malformed workflow YAML: %v", err).WithCause(err)
	}

	if err := ValidateWorkflowDocument(raw); err != nil {
		return nil, err
	}

	var def WorkflowDefinition
	if err := yaml.Unmarshal([]byte(workflowYAML), &def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "malformed workflow YAML: %v", err).WithCause(err)
	}
	return &def, nil
}

// Task returns the definition of the named task, or nil.
func (d *WorkflowDefinition) Task(name string) *TaskDefinition {
	for i := range d.Tasks {
		if d.Tasks[i].Name == name {
			return &d.Tasks[i]
		}
	}
	return nil
}

// SingleCommand builds the trivial single-node graph used for bare command
// submissions: one task named "command", no dependencies, no retries, no
// timeout.
func SingleCommand(command string) *WorkflowDefinition {
	return &WorkflowDefinition{
		Tasks: []TaskDefinition{{Name: "command", Command: command}},
	}
}

func (t *TaskDefinition) String() string {
	return fmt.Sprintf("task %s (%d deps, retries=%d, timeout=%ds)", t.Name, len(t.Dependencies), t.Retries, t.Timeout)
}
