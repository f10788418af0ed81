// Package agent defines agent identity and skill descriptors.
package agent

import (
	"fmt"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
)

// Executor selects where an agent's work runs.
type Executor string

const (
	// ExecutorLocal runs the registered handler in-process.
	ExecutorLocal Executor = "local"
	// ExecutorWorker leaves tasks pending for remote workers to claim.
	ExecutorWorker Executor = "worker"
)

// Skill describes one capability an agent advertises.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	InputModes  []string `json:"input_modes,omitempty"`
	OutputModes []string `json:"output_modes,omitempty"`
}

// Identity is a registered agent: a unique name, its advertised skills, and
// the executor mode deciding whether a handler runs in-process.
type Identity struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Skills      []Skill  `json:"skills,omitempty"`
	Executor    Executor `json:"executor"`
}

// Validate checks registration invariants.
func (id Identity) Validate() error {
	if id.Name == "" {
		return fmt.Errorf("%w: agent name is required", domain.ErrValidation)
	}
	switch id.Executor {
	case ExecutorLocal, ExecutorWorker:
	default:
		return fmt.Errorf("%w: unknown executor %q", domain.ErrValidation, id.Executor)
	}
	for i, s := range id.Skills {
		if s.ID == "" {
			return fmt.Errorf("%w: skills[%d] id is required", domain.ErrValidation, i)
		}
	}
	return nil
}
