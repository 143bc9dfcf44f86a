package core

import "fmt"

// Decision says whether a stage runs, and why not when it doesn't.
type Decision struct {
	Run    bool
	Reason string
}

// Scheduler decides execution order of stages. Stages run in declaration
// order; a stage runs only while the run is healthy and all of its needs
// succeeded.
type Scheduler struct{}

// NewScheduler creates a new scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Decide returns the decision for the stage at stageIndex.
func (s *Scheduler) Decide(pipeline *Pipeline, stageIndex int, run *Run) Decision {
	if stageIndex < 0 || stageIndex >= len(pipeline.Stages) {
		return Decision{Reason: "no such stage"}
	}
	stage := pipeline.Stages[stageIndex]
	for _, need := range stage.Needs {
		if st := run.StageStatus(need); st != StatusSucceeded {
			return Decision{Reason: fmt.Sprintf("needs %s, which %s", need, describe(st))}
		}
	}
	if run.Failed() {
		return Decision{Reason: "an earlier stage failed"}
	}
	return Decision{Run: true}
}

// GetNextSteps returns the steps of the stage at stageIndex.
func (s *Scheduler) GetNextSteps(pipeline *Pipeline, stageIndex int) []Step {
	if stageIndex >= len(pipeline.Stages) {
		return nil
	}
	return pipeline.Stages[stageIndex].Steps
}

func describe(st Status) string {
	switch st {
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "was skipped"
	case "":
		return "does not exist"
	default:
		return "has not succeeded"
	}
}
