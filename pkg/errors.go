package poreflow

import (
	"errors"
	"fmt"
)

// Rejection reasons. They double as the keys of the per-channel reject counters.
const (
	ReasonTooFewLevels       = "Too Few Levels"
	ReasonTooManyLevels      = "Too Many Levels"
	ReasonBaselineMismatch   = "Baseline Mismatch"
	ReasonTooShort           = "Too Short"
	ReasonTooLong            = "Too Long"
	ReasonTooClose           = "Too Close"
	ReasonNoVoltage          = "No Voltage"
	ReasonBadBaseline        = "Bad Baseline"
	ReasonLevelCountMismatch = "Level Count Mismatch"
	ReasonEmptySublevel      = "Empty Sublevel"
)

// RejectError marks a single event or chunk as unusable. Processing of the
// channel continues after it is counted.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func reject(reason string, format string, args ...any) error {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// RejectReason returns the reason of a wrapped RejectError, or the error text
// for anything else.
func RejectReason(err error) string {
	var rejectErr *RejectError
	if errors.As(err, &rejectErr) {
		return rejectErr.Reason
	}
	return err.Error()
}

// InconsistencyError is returned when event boundaries cannot be paired after
// stitching. The channel state is discarded before it is returned.
type InconsistencyError struct {
	Channel int
	Starts  int
	Ends    int
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("mismatched event starts and ends in channel %d: %d starts, %d ends", e.Channel, e.Starts, e.Ends)
}

var ErrMissingBaseline = errors.New("baseline standard deviation is unknown and no padding is available to estimate it")

var ErrTaskCancelled = errors.New("task cancelled")

// SettingsError reports an invalid configuration value.
type SettingsError struct {
	Field  string
	Reason string
}

func (e *SettingsError) Error() string {
	return fmt.Sprintf("invalid setting %s: %s", e.Field, e.Reason)
}

// ErrOpenFile represents an error when opening a file.
type ErrOpenFile struct {
	Filename string
	Err      error
}

func (e *ErrOpenFile) Error() string {
	return fmt.Sprintf("error opening file %q: %v", e.Filename, e.Err)
}

func (e *ErrOpenFile) Unwrap() error { return e.Err }

// ErrCreateGroup represents an error when creating a group.
type ErrCreateGroup struct {
	GroupName string
	Err       error
}

func (e *ErrCreateGroup) Error() string {
	return fmt.Sprintf("error creating group %q: %v", e.GroupName, e.Err)
}

func (e *ErrCreateGroup) Unwrap() error { return e.Err }

// ErrCreateTable represents an error when creating a table.
type ErrCreateTable struct {
	TableName string
	Err       error
}

func (e *ErrCreateTable) Error() string {
	return fmt.Sprintf("error creating table %q: %v", e.TableName, e.Err)
}

func (e *ErrCreateTable) Unwrap() error { return e.Err }

// ErrReadDataset represents an error when reading a dataset back.
type ErrReadDataset struct {
	Dataset string
	Err     error
}

func (e *ErrReadDataset) Error() string {
	return fmt.Sprintf("error reading dataset %q: %v", e.Dataset, e.Err)
}

func (e *ErrReadDataset) Unwrap() error { return e.Err }
