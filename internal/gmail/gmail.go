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

// Package gmail adapts the GMail API to the mailbox interfaces used by
// the reconciler and the subscription manager.
package gmail

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/matta/mailwatch/internal/message"
	"github.com/matta/mailwatch/internal/watch"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

const (
	ReadonlyScope = gmail.GmailReadonlyScope

	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet    = 5
	quotaUnitsPerGetProfile  = 1
	quotaUnitsPerHistoryList = 2
	quotaUnitsPerWatch       = 100
	quotaUnitsPerStop        = 50

	// DefaultQuotaPerSecond stays under the 250 units per user per
	// second GMail allows.
	DefaultQuotaPerSecond = 200
	rateLimitBurst        = 250

	// Bound on 429 retries for a single message fetch.
	maxRateLimitRetries = 3
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")

	errStopPaging = errors.New("stop paging")
)

// Service provides access to one principal's messages stored in
// Google's GMail system.
type Service struct {
	service *gmail.Service
	limiter *rate.Limiter
	log     *logrus.Entry
}

func isChat(msg *gmail.Message) bool {
	for _, label := range msg.LabelIds {
		if label == "CHAT" {
			return true
		}
	}
	return false
}

// New wraps an authenticated GMail service.  The limiter is shared by
// every Service of the same principal.
func New(s *gmail.Service, limiter *rate.Limiter, log *logrus.Entry) *Service {
	return &Service{service: s, limiter: limiter, log: log}
}

func (s *Service) Profile(ctx context.Context) (*message.Profile, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return nil, classify("users.getProfile", err)
	}
	u, err := s.service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, classify("users.getProfile", err)
	}
	return &message.Profile{
		EmailAddress: u.EmailAddress,
		HistoryID:    u.HistoryId,
	}, nil
}

// Watch registers a push subscription on topic.  GMail accepts a single
// filter action, so Include wins over Exclude when both are set; the
// reconciler applies the whole filter locally anyway.
func (s *Service) Watch(ctx context.Context, topic string, filter watch.LabelFilter) (*message.Subscription, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerWatch); err != nil {
		return nil, classify("users.watch", err)
	}
	req := &gmail.WatchRequest{TopicName: topic}
	switch {
	case len(filter.Include) > 0:
		req.LabelIds = filter.Include
		req.LabelFilterAction = "include"
	case len(filter.Exclude) > 0:
		req.LabelIds = filter.Exclude
		req.LabelFilterAction = "exclude"
	}
	resp, err := s.service.Users.Watch("me", req).Context(ctx).Do()
	if err != nil {
		return nil, classify("users.watch", err)
	}
	sub := &message.Subscription{
		ID:        uuid.NewString(),
		HistoryID: resp.HistoryId,
	}
	if resp.Expiration > 0 {
		sub.Expiration = time.UnixMilli(resp.Expiration).UTC()
	}
	return sub, nil
}

func (s *Service) Stop(ctx context.Context) error {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerStop); err != nil {
		return classify("users.stop", err)
	}
	return classify("users.stop", s.service.Users.Stop("me").Context(ctx).Do())
}

func (s *Service) ListAdded(ctx context.Context, from, to uint64, filter watch.LabelFilter, handler func(message.Header) error) error {
	wait := func() error {
		return s.limiter.WaitN(ctx, quotaUnitsPerHistoryList)
	}
	if err := wait(); err != nil {
		return classify(opHistoryList, err)
	}

	req := s.service.Users.History.List("me").Context(ctx).
		HistoryTypes("messageAdded").StartHistoryId(from)
	total := 0
	err := req.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, h := range page.History {
			if to > 0 && h.Id > to {
				return errStopPaging
			}
			for _, added := range h.MessagesAdded {
				msg := added.Message
				if msg == nil || isChat(msg) || !filter.Match(msg.LabelIds) {
					continue
				}
				total++
				if err := handler(header(msg)); err != nil {
					return err
				}
			}
		}
		if page.NextPageToken != "" {
			return wait()
		}
		return nil
	})
	s.log.WithFields(logrus.Fields{"from": from, "to": to, "added": total}).
		Debug("listed gmail history")
	if err == errStopPaging {
		err = nil
	}
	return classify(opHistoryList, err)
}

func header(msg *gmail.Message) message.Header {
	h := message.Header{
		ID:           message.ID{PermID: msg.Id, ThreadID: msg.ThreadId},
		LabelIDs:     msg.LabelIds,
		HistoryID:    msg.HistoryId,
		SizeEstimate: msg.SizeEstimate,
	}
	if msg.InternalDate > 0 {
		h.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	return h
}

func (s *Service) getMessage(ctx context.Context, call *gmail.UsersMessagesGetCall) (*gmail.Message, error) {
	for retries := 0; ; retries++ {
		if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
			return nil, err
		}
		msg, err := call.Do()
		if err == nil && isChat(msg) {
			return nil, watch.NewProviderError("users.messages.get", watch.KindNotFound, ErrMessageNotFound)
		}
		if err == nil {
			return msg, nil
		}

		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests &&
			retries < maxRateLimitRetries {
			continue // retry
		}
		return nil, err
	}
}

func (s *Service) Message(ctx context.Context, id string) (*message.Body, error) {
	msg, err := s.getMessage(ctx, s.service.Users.Messages.Get("me", id).
		Context(ctx).Format("raw"))
	if err != nil {
		return nil, errors.Wrapf(classify("users.messages.get", err),
			"getting message %v from gmail", id)
	}
	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(msg.Raw)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding message %v from gmail", id)
	}
	return &message.Body{Header: header(msg), Raw: string(raw)}, nil
}
