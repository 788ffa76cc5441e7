// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"errors"
	"fmt"
)

// NotAvailableError indicates the store could not be reached: connection
// refused, pool exhausted, or a deadline hit before the query finished.
// Callers treat the affected source as empty and continue.
type NotAvailableError struct {
	Op  string
	Err error
}

func (e *NotAvailableError) Error() string {
	return fmt.Sprintf("vector store not available during %s: %v", e.Op, e.Err)
}

func (e *NotAvailableError) Unwrap() error { return e.Err }

// InvalidError indicates a shape mismatch between the adapter and the
// store: a SQL error, a row that fails to scan, or an embedding with the
// wrong dimension. These are programmer or migration errors and are fatal
// for the operation.
type InvalidError struct {
	Op  string
	Err error
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("vector store invalid result during %s: %v", e.Op, e.Err)
}

func (e *InvalidError) Unwrap() error { return e.Err }

// IsNotAvailableError reports whether err is (or wraps) a NotAvailableError.
func IsNotAvailableError(err error) bool {
	var n *NotAvailableError
	return errors.As(err, &n)
}

// IsInvalidError reports whether err is (or wraps) an InvalidError.
func IsInvalidError(err error) bool {
	var i *InvalidError
	return errors.As(err, &i)
}
