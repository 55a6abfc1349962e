// SPDX-License-Identifier: AGPL-3.0-only

package resourcemanager

import "fmt"

// ConfigurationError is returned for problems detected at startup or at
// pool-registration time that the process cannot recover from.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

func newConfigurationError(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// AlreadyClosedError is returned by TabletHandle.Close when the handle has
// already transitioned to closed. The handle's other methods do not return
// it: after close, UpdateMemory does nothing and InitiateMinorCompaction and
// NeedsMajorCompaction return false.
type AlreadyClosedError struct {
	Tablet TabletId
}

func (e *AlreadyClosedError) Error() string {
	return fmt.Sprintf("tablet %s: handle already closed", e.Tablet)
}

// OpenFilesStillReservedError is returned by Close when the handle still
// has open scan files reserved with the file manager.
type OpenFilesStillReservedError struct {
	Tablet TabletId
}

func (e *OpenFilesStillReservedError) Error() string {
	return fmt.Sprintf("tablet %s: cannot close, open files still reserved", e.Tablet)
}

// HoldTimeoutError is returned by CommitHoldGate.WaitUntilCommitsEnabled
// when the RPC deadline elapses while commits are still held.
type HoldTimeoutError struct {
	WaitedFor string
}

func (e *HoldTimeoutError) Error() string {
	return fmt.Sprintf("commits held for longer than the rpc timeout (%s)", e.WaitedFor)
}
