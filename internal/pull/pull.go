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

// Package pull is the backup delivery path: it pulls notifications
// from a Pub/Sub subscription and feeds them to the same reconciler as
// the push webhook.
package pull

import (
	"context"
	"time"

	"github.com/matta/mailwatch/internal/notify"
	mailsync "github.com/matta/mailwatch/internal/sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/pubsub/v1"
)

// Received is a pulled message and the id used to acknowledge it.
type Received struct {
	AckID   string
	Message notify.Message
}

// Queue is a pull subscription.
type Queue interface {
	Pull(ctx context.Context, max int) ([]Received, error)
	Ack(ctx context.Context, ackIDs []string) error
}

// PubSub is a Queue over the Pub/Sub REST API.
type PubSub struct {
	service      *pubsub.Service
	subscription string
}

var _ Queue = (*PubSub)(nil)

// NewPubSub returns a queue reading subscription, which has the form
// projects/<project>/subscriptions/<name>.
func NewPubSub(s *pubsub.Service, subscription string) *PubSub {
	return &PubSub{service: s, subscription: subscription}
}

func (q *PubSub) Pull(ctx context.Context, max int) ([]Received, error) {
	resp, err := q.service.Projects.Subscriptions.Pull(q.subscription, &pubsub.PullRequest{
		MaxMessages: int64(max),
	}).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "pulling from %s", q.subscription)
	}
	out := make([]Received, 0, len(resp.ReceivedMessages))
	for _, rm := range resp.ReceivedMessages {
		if rm.Message == nil {
			continue
		}
		out = append(out, Received{
			AckID: rm.AckId,
			Message: notify.Message{
				Data:        rm.Message.Data,
				MessageID:   rm.Message.MessageId,
				PublishTime: rm.Message.PublishTime,
				Attributes:  rm.Message.Attributes,
			},
		})
	}
	return out, nil
}

func (q *PubSub) Ack(ctx context.Context, ackIDs []string) error {
	if len(ackIDs) == 0 {
		return nil
	}
	_, err := q.service.Projects.Subscriptions.Acknowledge(q.subscription, &pubsub.AcknowledgeRequest{
		AckIds: ackIDs,
	}).Context(ctx).Do()
	return errors.Wrapf(err, "acknowledging %d messages on %s", len(ackIDs), q.subscription)
}

// Reconciler is the history reconciler.
type Reconciler interface {
	Reconcile(ctx context.Context, n *notify.Notification) (mailsync.Result, error)
}

// CycleResult summarizes one pull cycle.
type CycleResult struct {
	Pulled      int `json:"pulled"`
	Acked       int `json:"acked"`
	Redeliver   int `json:"redeliver"`
	Undecodable int `json:"undecodable"`
}

// Poller drains a Queue into a Reconciler.
type Poller struct {
	queue      Queue
	decoder    *notify.Decoder
	reconciler Reconciler
	batch      int
	log        *logrus.Entry
}

func NewPoller(q Queue, d *notify.Decoder, r Reconciler, batch int, log *logrus.Entry) *Poller {
	if batch <= 0 {
		batch = 50
	}
	return &Poller{queue: q, decoder: d, reconciler: r, batch: batch, log: log}
}

// Cycle pulls one batch and reconciles each message in order.
// Everything is acknowledged except messages whose reconciliation
// failed transiently; those are left for the queue to redeliver.
// Undecodable messages are acknowledged since redelivery cannot fix
// them.
func (p *Poller) Cycle(ctx context.Context) (*CycleResult, error) {
	msgs, err := p.queue.Pull(ctx, p.batch)
	if err != nil {
		return nil, err
	}
	res := &CycleResult{Pulled: len(msgs)}
	var ack []string
	for _, m := range msgs {
		log := p.log.WithField("delivery", m.Message.MessageID)
		n, err := p.decoder.DecodeMessage(m.Message)
		if err != nil {
			log.WithError(err).Warn("dropping undecodable pulled message")
			res.Undecodable++
			ack = append(ack, m.AckID)
			continue
		}
		r, err := p.reconciler.Reconcile(ctx, n)
		if err != nil || r.Outcome == mailsync.OutcomeTransient {
			if err != nil {
				log.WithError(err).Warn("pulled notification failed; leaving for redelivery")
			}
			res.Redeliver++
			continue
		}
		ack = append(ack, m.AckID)
	}
	if len(ack) == 0 {
		return res, nil
	}
	if err := p.queue.Ack(ctx, ack); err != nil {
		return res, err
	}
	res.Acked = len(ack)
	return res, nil
}

// Run runs a cycle every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			res, err := p.Cycle(ctx)
			if err != nil {
				p.log.WithError(err).Warn("pull cycle failed")
				continue
			}
			if res.Pulled > 0 {
				p.log.WithFields(logrus.Fields{
					"pulled":      res.Pulled,
					"acked":       res.Acked,
					"redeliver":   res.Redeliver,
					"undecodable": res.Undecodable,
				}).Info("pull cycle")
			}
		}
	}
}
