// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedding

import (
	"errors"
	"fmt"
)

// TransientError indicates a provider failure that is worth retrying:
// network errors, 5xx responses, and 429 rate limiting.
type TransientError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("embedding provider transient error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("embedding provider transient error: %s", e.Message)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError indicates a provider failure that retrying cannot fix:
// 4xx responses other than 429, or a response with the wrong vector shape.
type PermanentError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("embedding provider permanent error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("embedding provider permanent error: %s", e.Message)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransientError reports whether err is (or wraps) a TransientError.
func IsTransientError(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanentError reports whether err is (or wraps) a PermanentError.
func IsPermanentError(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
