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

package gmail

import (
	"net/http"

	"github.com/matta/mailwatch/internal/watch"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

const opHistoryList = "users.history.list"

// Reasons GMail attaches to 403 responses that are quota related
// rather than permission related.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"dailyLimitExceeded":    true,
	"quotaExceeded":         true,
}

// Classify maps a GMail API error onto a watch.Kind.  It is exported
// for callers that talk to the API outside of Service.
func Classify(err error) watch.Kind {
	if err == nil {
		return watch.KindOK
	}
	var pe *watch.ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return watch.KindAuth
	}
	if errors.Is(err, watch.ErrAuth) {
		return watch.KindAuth
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return watch.KindTransient
	}
	switch {
	case gerr.Code == http.StatusUnauthorized:
		return watch.KindAuth
	case gerr.Code == http.StatusForbidden:
		for _, item := range gerr.Errors {
			if rateLimitReasons[item.Reason] {
				return watch.KindTransient
			}
		}
		return watch.KindAuth
	case gerr.Code == http.StatusNotFound:
		return watch.KindNotFound
	}
	return watch.KindTransient
}

// staleHistory reports whether err is history.list refusing a
// startHistoryId it can no longer serve, which it signals with a 400
// rather than a 404.
func staleHistory(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusBadRequest {
		return false
	}
	for _, item := range gerr.Errors {
		if item.Reason == "invalidArgument" || item.Reason == "failedPrecondition" {
			return true
		}
	}
	return false
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *watch.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if op == opHistoryList && staleHistory(err) {
		return watch.NewProviderError(op, watch.KindNotFound, err)
	}
	return watch.NewProviderError(op, Classify(err), err)
}
