// Package dag validates workflow definition graphs before anything is
// persisted or scheduled. Validation accumulates every violation it can find
// so callers see the full list in one round trip.
package dag

import (
	"fmt"
	"strings"

	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
)

// ValidationError pinpoints a single violation inside a definition.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationErrors aggregates every violation found in a definition.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, v := range e {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Path, v.Message))
	}
	return "invalid workflow definition: " + strings.Join(parts, "; ")
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid  bool
	Errors ValidationErrors
}

var supportedKinds = map[string]struct{}{
	"noop":  {},
	"flaky": {},
}

// Validate checks a workflow definition structurally, then verifies that all
// dependency references resolve, then runs Kahn's algorithm to prove the
// graph acyclic. Only a missing/empty task list short-circuits; every other
// violation is accumulated.
func Validate(def domain.WorkflowDefinition) ValidationResult {
	var errs ValidationErrors

	if def.Version <= 0 {
		errs = append(errs, ValidationError{
			Path:    "version",
			Message: "Version must be a positive integer.",
		})
	}

	if len(def.Tasks) == 0 {
		errs = append(errs, ValidationError{
			Path:    "tasks",
			Message: "Tasks must be a non-empty array.",
		})
		return ValidationResult{Valid: false, Errors: errs}
	}

	ids := make(map[string]struct{}, len(def.Tasks))
	edges := make(map[string][]string, len(def.Tasks))

	for i, task := range def.Tasks {
		if task.ID == "" {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("tasks[%d].id", i),
				Message: "Task id is required.",
			})
			continue
		}
		if _, dup := ids[task.ID]; dup {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("tasks[%d].id", i),
				Message: fmt.Sprintf("Duplicate task id '%s'.", task.ID),
			})
			continue
		}
		ids[task.ID] = struct{}{}

		if task.Name == "" {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("tasks[%d].name", i),
				Message: "Task name is required.",
			})
		}
		if _, ok := supportedKinds[task.Kind]; !ok {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("tasks[%d].kind", i),
				Message: "Task kind must be either 'noop' or 'flaky'.",
			})
		}

		edges[task.ID] = task.DependsOn
	}

	for node, deps := range edges {
		for i, dep := range deps {
			if _, ok := ids[dep]; !ok {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("task(%s).dependsOn[%d]", node, i),
					Message: fmt.Sprintf("Unknown dependency '%s'.", dep),
				})
			}
			if dep == node {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("task(%s).dependsOn[%d]", node, i),
					Message: "Task cannot depend on itself.",
				})
			}
		}
	}

	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs}
	}

	if hasCycle(edges) {
		errs = append(errs, ValidationError{
			Path:    "tasks",
			Message: "Task graph must be acyclic.",
		})
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// hasCycle runs Kahn's algorithm over an index arena: in-degree per node from
// the dependency edges, repeatedly removing zero-in-degree nodes. The graph
// is acyclic iff every node is removed.
func hasCycle(edges map[string][]string) bool {
	inDegree := make(map[string]int, len(edges))
	dependents := make(map[string][]string, len(edges))

	for node, deps := range edges {
		inDegree[node] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], node)
		}
	}

	queue := make([]string, 0, len(edges))
	for node, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, node)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	return visited != len(edges)
}

// Parse re-validates a definition and returns it typed for downstream use,
// or a single aggregated error listing every violation.
func Parse(def domain.WorkflowDefinition) (domain.WorkflowDefinition, error) {
	result := Validate(def)
	if !result.Valid {
		return domain.WorkflowDefinition{}, result.Errors
	}
	return def, nil
}
