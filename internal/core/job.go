package core

import "time"

// Step represents a single instruction inside a steps stage
type Step struct {
	Name    string        `yaml:"name"`    // optional label shown in logs
	Run     string        `yaml:"run"`     // shell command (e.g. "pytest")
	Timeout time.Duration `yaml:"timeout"` // zero means the executor default
}

// Label returns the step name, or its command when unnamed.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Run
}
