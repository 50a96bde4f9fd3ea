package domain

import (
	"errors"
	"fmt"
)

var (
	ErrReportNotFound    = errors.New("report not found")
	ErrFlowKeyCollision  = errors.New("flow key collision across protocols")
	ErrTableSealed       = errors.New("flow table sealed")
	ErrTableNotSealed    = errors.New("flow table not sealed")
	ErrNoAnalyzer        = errors.New("no analyzer for protocol")
	ErrEmptyCapture      = errors.New("capture contains no usable packets")
	ErrUnsupportedSource = errors.New("unsupported packet source")
	ErrMalformedInput    = errors.New("malformed packet input")
)

// EmptyCaptureError reports a run in which every record was skipped.
func EmptyCaptureError(stats RunStats) error {
	return fmt.Errorf("%w: %d records read, none usable", ErrEmptyCapture, stats.TotalRecords)
}
