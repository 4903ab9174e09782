package xrt

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-xrt/internal/config"
	"github.com/23skdu/longbow-xrt/internal/shape"
)

// ConfigurationError reports a topology or option that the client cannot run with.
type ConfigurationError = config.Error

// ComputationInfo names a computation of a failed batch.
type ComputationInfo struct {
	Name        string
	OutputShape shape.Shape
}

func (c ComputationInfo) String() string {
	return c.Name + " -> " + c.OutputShape.String()
}

func describe(infos []ComputationInfo) string {
	parts := make([]string, len(infos))
	for i, info := range infos {
		parts[i] = info.String()
	}
	return strings.Join(parts, "; ")
}

// ProtocolLimitError reports a single value larger than the wire payload ceiling.
type ProtocolLimitError struct {
	Index int
	Size  int64
	Limit int64
}

func (e *ProtocolLimitError) Error() string {
	return fmt.Sprintf("value %d is %s, above the %s payload ceiling",
		e.Index, humanize.Bytes(uint64(e.Size)), humanize.Bytes(uint64(e.Limit)))
}

// CompilationError reports a failed compile RPC and every computation it carried.
type CompilationError struct {
	Device       string
	Computations []ComputationInfo
	Err          error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compiling on %s failed for [%s]: %v", e.Device, describe(e.Computations), e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// ExecutionError reports a failed execute RPC and every computation it carried.
// Batches running on other sessions are not affected.
type ExecutionError struct {
	Target       string
	Computations []ComputationInfo
	Err          error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing on %s failed for [%s]: %v", e.Target, describe(e.Computations), e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// InvariantError is a contract violation by the caller: a bad index, a device
// mismatch or an unsupported type. It is raised before any RPC is issued.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "invariant violation: " + e.Msg }

func invariantf(format string, args ...any) error {
	return errors.WithStack(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}
