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

// Package tracehttp dumps HTTP traffic for debugging API sessions.
package tracehttp

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
)

// maxDump caps how much of a dumped exchange is logged.  Message
// listing responses run to hundreds of kilobytes; the interesting
// part is the front.
const maxDump = 8 << 10

type traceTransport struct {
	delegate http.RoundTripper
	logger   *slog.Logger
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.  The Authorization header is
// redacted before dumping.
func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	dumpReq := req
	if req.Header.Get("Authorization") != "" {
		dumpReq = req.Clone(req.Context())
		dumpReq.Header.Set("Authorization", "REDACTED")
	}
	if dump, err := httputil.DumpRequestOut(dumpReq, false); err == nil {
		t.logger.Debug("http request", "dump", clip(dump))
	}
	resp, err := t.delegate.RoundTrip(req)
	if err != nil {
		t.logger.Debug("http round trip failed", "err", err)
		return resp, err
	}
	if dump, dumpErr := httputil.DumpResponse(resp, true); dumpErr == nil {
		t.logger.Debug("http response", "dump", clip(dump))
	}
	return resp, err
}

func clip(dump []byte) string {
	if len(dump) > maxDump {
		return string(dump[:maxDump]) + "…(truncated)"
	}
	return string(dump)
}

// Wrap returns a RoundTripper that logs every exchange through d.  A
// nil d wraps http.DefaultTransport.
func Wrap(d http.RoundTripper, logger *slog.Logger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &traceTransport{delegate: d, logger: logger}
}
