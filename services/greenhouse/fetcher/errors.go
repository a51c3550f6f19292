// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fetcher

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchExhausted is returned when no attempt of a fetch succeeded.
	ErrFetchExhausted = errors.New("fetch exhausted")

	// ErrThrottled is the cause when the caller's deadline ends before the
	// key is eligible for another call.
	ErrThrottled = errors.New("rate limited")
)

// FetchError describes a failed fetch.
//
// It matches both ErrFetchExhausted and the last underlying cause with
// errors.Is, so callers can branch on either.
type FetchError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: exhausted after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

// Unwrap exposes ErrFetchExhausted and the cause.
func (e *FetchError) Unwrap() []error {
	return []error{ErrFetchExhausted, e.Err}
}
