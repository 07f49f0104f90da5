package reporter

import (
	"errors"

	"github.com/dreamware/autoshard/internal/cluster"
)

var (
	// ErrAlreadyRunning is returned by Start when the reporter is active.
	ErrAlreadyRunning = errors.New("reporter already running")

	// ErrNotRunning is returned by Stop when the reporter is not active.
	ErrNotRunning = errors.New("reporter not running")

	// ErrInitialReport wraps the failure of the immediate tick requested from
	// Start or Restart. The timer is armed regardless.
	ErrInitialReport = errors.New("initial report")

	// ErrInvalidWorkerHandle is returned by a tick when the worker handle is
	// missing, has a negative id, or owns no shards.
	ErrInvalidWorkerHandle = errors.New("invalid worker handle")

	// ErrInvalidReportShape is returned by a tick when the load function
	// produced a malformed report. Nothing is sent in that case.
	ErrInvalidReportShape = cluster.ErrInvalidReportShape

	// ErrConfigValidation is matched by every configuration error.
	ErrConfigValidation = cluster.ErrConfigValidation
)
