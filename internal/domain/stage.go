package domain

import (
	"fmt"
	"strings"
)

// Stage identifies one step of the material pipeline.
type Stage string

const (
	StageParsing       Stage = "AI_PARSING"
	StageNormalization Stage = "RAG_NORMALIZATION"
	StageSKUSearch     Stage = "SKU_SEARCH"
	StagePersist       Stage = "DATABASE_SAVE"
)

func (s Stage) String() string { return string(s) }

func (s Stage) IsValid() bool {
	switch s {
	case StageParsing, StageNormalization, StageSKUSearch, StagePersist:
		return true
	}
	return false
}

func ParseStageFromString(s string) (Stage, error) {
	st := Stage(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid stage %q", ErrValidation, s)
	}
	return st, nil
}

// OverallStatus summarizes how far one record made it through the pipeline.
type OverallStatus string

const (
	OverallInProgress     OverallStatus = "IN_PROGRESS"
	OverallSuccess        OverallStatus = "SUCCESS"
	OverallFailed         OverallStatus = "FAILED"
	OverallPartialSuccess OverallStatus = "PARTIAL_SUCCESS"
)

func (s OverallStatus) String() string { return string(s) }

func (s OverallStatus) IsValid() bool {
	switch s {
	case OverallInProgress, OverallSuccess, OverallFailed, OverallPartialSuccess:
		return true
	}
	return false
}

// RecordStatus maps a pipeline outcome to the persisted record status.
// Partial success still counts as a completed record; only a parse failure
// leaves the record failed and retry-eligible.
func (s OverallStatus) RecordStatus() Status {
	switch s {
	case OverallSuccess, OverallPartialSuccess:
		return StatusCompleted
	case OverallFailed:
		return StatusFailed
	}
	return StatusProcessing
}
