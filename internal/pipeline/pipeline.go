package pipeline

import (
	"fmt"
	"strings"

	"flyrunner/internal/state"
)

// CommandStep runs the job command on one provisioned machine
type CommandStep struct {
	Label   string   `json:"label,omitempty"`
	Command string   `json:"command"`
	Agents  []string `json:"agents"`
	Plugins []any    `json:"plugins,omitempty"`
	Key     string   `json:"key"`
}

// CleanupStep reclaims every machine and volume of one assembly
type CleanupStep struct {
	Label                  string   `json:"label"`
	Commands               []string `json:"commands"`
	DependsOn              []string `json:"depends_on"`
	AllowDependencyFailure bool     `json:"allow_dependency_failure"`
	SoftFail               bool     `json:"soft_fail"`
}

// Document is the pipeline handed to the build queue. Steps holds the
// command steps in matrix order followed by exactly one cleanup step.
type Document struct {
	Steps []any `json:"steps"`
}

// CommandSteps returns the command steps of the document
func (d *Document) CommandSteps() []CommandStep {
	var out []CommandStep
	for _, s := range d.Steps {
		if cs, ok := s.(CommandStep); ok {
			out = append(out, cs)
		}
	}
	return out
}

// Cleanup returns the cleanup step of the document, if any
func (d *Document) Cleanup() (CleanupStep, bool) {
	for _, s := range d.Steps {
		if cs, ok := s.(CleanupStep); ok {
			return cs, true
		}
	}
	return CleanupStep{}, false
}

// Template renders the command of one matrix entry
func Template(command, placeholder, value string) string {
	return strings.ReplaceAll(command, placeholder, value)
}

// RemoveMachineCommand is the cleanup command for one machine
func RemoveMachineCommand(app, machineID string) string {
	return fmt.Sprintf("flyctl machine remove --force -a %s %s", app, machineID)
}

// DestroyVolumeCommand is the cleanup command for one volume
func DestroyVolumeCommand(app, volumeID string) string {
	return fmt.Sprintf("flyctl volumes destroy --yes -a %s %s", app, volumeID)
}

// NewCleanupStep builds the cleanup step for a manifest. Machines are removed
// first, then the step waits settleSeconds so the volumes are detached, then
// every volume is destroyed.
func NewCleanupStep(m *state.Manifest, settleSeconds int, dependsOn []string) CleanupStep {
	machines := m.MachineIDs()
	volumes := m.VolumeIDs()

	commands := make([]string, 0, len(machines)+len(volumes)+1)
	for _, id := range machines {
		commands = append(commands, RemoveMachineCommand(m.Application, id))
	}
	commands = append(commands, fmt.Sprintf("sleep %d", settleSeconds))
	for _, id := range volumes {
		commands = append(commands, DestroyVolumeCommand(m.Application, id))
	}

	return CleanupStep{
		Label:                  ":broom: Clean up Fly machines",
		Commands:               commands,
		DependsOn:              append([]string{}, dependsOn...),
		AllowDependencyFailure: true,
		SoftFail:               true,
	}
}
