// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sync

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
)

var (
	// ErrCheckpointExpired signals that the change-log checkpoint
	// is too old for the provider to serve.  Callers branch on it
	// to fall back to a full sync; it is not a job failure.
	ErrCheckpointExpired = errors.New("sync checkpoint expired")

	// ErrAuthRequired signals that credentials can no longer be
	// refreshed.  Terminal for the run; never retried here.
	ErrAuthRequired = errors.New("re-authentication required")

	// ErrMessageNotFound signals that the provider no longer
	// serves a message.  Provider adapters wrap it so the fetcher
	// can skip the ID rather than count it as a failure.
	ErrMessageNotFound = errors.New("message not found")
)

// rateLimitHint reports whether err is an explicit rate-limit
// response, and the provider's Retry-After cooldown if it named one
// (zero otherwise).
func rateLimitHint(err error) (time.Duration, bool) {
	gerr, ok := errors.Cause(err).(*googleapi.Error)
	if !ok {
		return 0, false
	}
	limited := gerr.Code == http.StatusTooManyRequests
	if gerr.Code == http.StatusForbidden {
		for _, item := range gerr.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
				limited = true
			}
		}
	}
	if !limited {
		return 0, false
	}
	if retryAfter := gerr.Header.Get("Retry-After"); retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, true
}

// isRetryable reports whether err is worth another attempt: explicit
// rate limiting, server-side 5xx, or a network timeout.  The request
// mechanism owns timeout policy; a timeout is just retryable here.
func isRetryable(err error) bool {
	if _, ok := rateLimitHint(err); ok {
		return true
	}
	switch cause := errors.Cause(err).(type) {
	case *googleapi.Error:
		return cause.Code >= 500
	case net.Error:
		return cause.Timeout()
	}
	return false
}

// isNotFound reports whether the provider no longer serves the
// requested item, either as the adapter's wrapped sentinel or as a
// raw 404.  The history list sometimes delivers message IDs that can
// never be fetched; those are skipped, not failed.
func isNotFound(err error) bool {
	if errors.Cause(err) == ErrMessageNotFound {
		return true
	}
	if gerr, ok := errors.Cause(err).(*googleapi.Error); ok {
		return gerr.Code == http.StatusNotFound
	}
	return false
}

// isAuthExpired reports whether the provider rejected our
// credentials outright, or a client provider signalled it has none.
func isAuthExpired(err error) bool {
	if errors.Cause(err) == ErrAuthRequired {
		return true
	}
	if gerr, ok := errors.Cause(err).(*googleapi.Error); ok {
		return gerr.Code == http.StatusUnauthorized
	}
	return false
}

// isHistoryExpired reports whether a history listing failed because
// the starting checkpoint is too old.  The provider answers 404 on
// the start token, or a textual start-id complaint.
func isHistoryExpired(err error) bool {
	if gerr, ok := errors.Cause(err).(*googleapi.Error); ok && gerr.Code == http.StatusNotFound {
		return true
	}
	return strings.Contains(err.Error(), "startHistoryId")
}
