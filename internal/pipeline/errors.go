package pipeline

import (
	"fmt"
)

// Stage names a step of Ask.
type Stage string

const (
	StageRetrieve Stage = "retrieve"
	StageAssemble Stage = "assemble"
	StageGenerate Stage = "generate"
)

// StageError reports which step of a query failed. The wrapped error keeps
// its rag sentinel so callers can still classify it with errors.Is.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IngestError reports chunks of a document that could not be embedded.
// Chunks not listed in Failed were indexed.
type IngestError struct {
	DocumentID string
	Failed     []int
	Err        error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("pipeline: ingest %s: %d chunk(s) failed %v: %v", e.DocumentID, len(e.Failed), e.Failed, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }
