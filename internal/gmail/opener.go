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
	"context"
	"net/http"
	"sync"

	mailsync "github.com/matta/mailwatch/internal/sync"
	"github.com/matta/mailwatch/internal/watch"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// ClientSource yields an authenticated HTTP client for a principal.
type ClientSource interface {
	Client(ctx context.Context, principalID string) (*http.Client, error)
}

// Opener opens rate limited GMail handles.  GMail enforces its quota
// per user, so each principal gets its own limiter that lives as long
// as the Opener.
type Opener struct {
	clients ClientSource
	perSec  float64
	log     *logrus.Entry

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ mailsync.Opener = (*Opener)(nil)

func NewOpener(clients ClientSource, quotaPerSecond float64, log *logrus.Entry) *Opener {
	if quotaPerSecond <= 0 {
		quotaPerSecond = DefaultQuotaPerSecond
	}
	return &Opener{
		clients:  clients,
		perSec:   quotaPerSecond,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (o *Opener) limiter(principalID string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[principalID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(o.perSec), rateLimitBurst)
		o.limiters[principalID] = l
	}
	return l
}

func (o *Opener) Open(ctx context.Context, principalID string) (mailsync.Mailbox, error) {
	client, err := o.clients.Client(ctx, principalID)
	if err != nil {
		return nil, classify("credentials", err)
	}
	s, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, watch.NewProviderError("gmail.NewService", watch.KindTransient, err)
	}
	return New(s, o.limiter(principalID), o.log.WithField("principal", principalID)), nil
}
