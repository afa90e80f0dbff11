package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks a missing or invalid layout, config, or manifest
	// entry. It aborts a run before any stage executes.
	ErrConfiguration = errors.New("configuration error")
	// ErrExternalTool marks a tool or container that could not be launched.
	ErrExternalTool = errors.New("external tool error")
	// ErrStageFailure marks a tool that exited non-zero or left no output marker.
	ErrStageFailure = errors.New("stage failure")
	// ErrCorruptLedger marks a ledger file that cannot be read or trusted.
	ErrCorruptLedger = errors.New("corrupt ledger")
	ErrTimeout       = errors.New("timeout")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrStageFailure
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsFatal reports whether err must stop a batch run rather than being
// recorded against a single participant.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrCorruptLedger)
}

// Kind returns a short classification label for err, used in log fields and
// ledger reasons.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrCorruptLedger):
		return "corrupt_ledger"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExternalTool):
		return "external_tool"
	case errors.Is(err, ErrStageFailure):
		return "stage_failure"
	default:
		return "unknown"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
