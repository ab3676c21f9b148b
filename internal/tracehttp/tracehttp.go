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

// Package tracehttp dumps GMail API traffic to the debug log.
package tracehttp

import (
	"net/http"
	"net/http/httputil"

	"github.com/sirupsen/logrus"
)

// traceTransport is an http.RoundTripper that logs the request and
// response while delegating the real work to another
// http.RoundTripper.  Credentials are redacted from the dump.
type traceTransport struct {
	delegate http.RoundTripper
	log      *logrus.Entry
}

// RoundTrip logs a dump of the request and response while delegating the
// round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dumpReq := req
	if req.Header.Get("Authorization") != "" {
		dumpReq = req.Clone(req.Context())
		dumpReq.Header.Set("Authorization", "REDACTED")
	}
	dump, dumpErr := httputil.DumpRequestOut(dumpReq, false)
	if dumpErr == nil {
		t.log.WithField("direction", "request").Debug(string(dump))
	}
	resp, err = t.delegate.RoundTrip(req)
	if err != nil {
		t.log.WithError(err).WithField("url", req.URL.String()).Debug("round trip failed")
		return resp, err
	}
	dump, dumpErr = httputil.DumpResponse(resp, true)
	if dumpErr == nil {
		t.log.WithField("direction", "response").Debug(string(dump))
	}
	return resp, err
}

// Wrap returns d with tracing.  A nil d wraps http.DefaultTransport.
func Wrap(d http.RoundTripper, log *logrus.Entry) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, log: log}
}
