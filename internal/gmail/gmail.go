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

// Package gmail adapts the GMail REST API to the shapes the sync
// engine consumes: ID pages, normalized metadata records and
// flattened history pages.
package gmail

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/mailsweep/mailsweep/internal/message"
	"github.com/mailsweep/mailsweep/internal/sync"

	"github.com/pkg/errors"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ReadonlyScope = gmail_api.GmailReadonlyScope

	listPageSize    = 500
	historyPageSize = 500
)

// ErrMessageNotFound is the engine's not-found sentinel.  GetMessage
// wraps it so the fetcher skips vanished IDs instead of failing them.
var ErrMessageNotFound = sync.ErrMessageNotFound

// Service provides access to one account's messages in Google's
// GMail system.
type Service struct {
	service *gmail_api.Service
}

func isChat(msg *gmail_api.Message) bool {
	for _, label := range msg.LabelIds {
		if label == "CHAT" {
			return true
		}
	}
	return false
}

// New builds a Service on top of an authenticated HTTP client.
func New(ctx context.Context, client *http.Client) (*Service, error) {
	s, err := gmail_api.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize gmail service")
	}
	return &Service{service: s}, nil
}

// ListPage fetches one page of message IDs starting at cursor.  An
// empty cursor means the first page.
func (s *Service) ListPage(ctx context.Context, cursor string) (*message.Page, error) {
	call := gmail_api.NewUsersMessagesService(s.service).List("me").
		Context(ctx).
		Q("-is:chat").
		IncludeSpamTrash(true).
		MaxResults(listPageSize)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, errors.Wrap(err, "unable to list messages")
	}
	page := &message.Page{NextCursor: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// GetMessage fetches one message's metadata and normalizes it.
// Returns ErrMessageNotFound for IDs the provider no longer serves
// (including chat messages, which the engine never stores).
func (s *Service) GetMessage(ctx context.Context, id string) (*message.Record, error) {
	msg, err := gmail_api.NewUsersMessagesService(s.service).Get("me", id).
		Context(ctx).
		Format("metadata").
		Do()
	if err != nil {
		if cause, ok := errors.Cause(err).(*googleapi.Error); ok && cause.Code == http.StatusNotFound {
			return nil, errors.Wrapf(ErrMessageNotFound, "message %v", id)
		}
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	if isChat(msg) {
		return nil, errors.Wrapf(ErrMessageNotFound, "message %v is a chat", id)
	}
	rec := Normalize(msg)
	if rec == nil {
		return nil, errors.Wrapf(ErrMessageNotFound, "message %v has no id", id)
	}
	rec.LastSyncedAt = time.Now()
	return rec, nil
}

// ListHistoryPage fetches one page of the change log starting at the
// given checkpoint.  An empty cursor means the window's first page.
// The provider answers 404 when the checkpoint is too old; the error
// is returned as-is for the caller to classify.
func (s *Service) ListHistoryPage(ctx context.Context, checkpoint, cursor string) (*message.HistoryPage, error) {
	start, err := strconv.ParseUint(checkpoint, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid history checkpoint %q", checkpoint)
	}
	call := gmail_api.NewUsersHistoryService(s.service).List("me").
		Context(ctx).
		StartHistoryId(start).
		HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
		MaxResults(historyPageSize)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, errors.Wrapf(err, "unable to list history from %v", start)
	}

	page := &message.HistoryPage{NextCursor: resp.NextPageToken}
	last := start
	for _, h := range resp.History {
		if h.Id > last {
			last = h.Id
		}
		for _, added := range h.MessagesAdded {
			if added.Message == nil {
				continue
			}
			page.Events = append(page.Events, message.HistoryEvent{
				Kind:   message.HistoryAdded,
				PermID: added.Message.Id,
			})
		}
		for _, deleted := range h.MessagesDeleted {
			if deleted.Message == nil {
				continue
			}
			page.Events = append(page.Events, message.HistoryEvent{
				Kind:   message.HistoryDeleted,
				PermID: deleted.Message.Id,
			})
		}
		for _, la := range h.LabelsAdded {
			if la.Message == nil {
				continue
			}
			page.Events = append(page.Events, message.HistoryEvent{
				Kind:   message.HistoryLabelsAdded,
				PermID: la.Message.Id,
				Labels: la.LabelIds,
			})
		}
		for _, lr := range h.LabelsRemoved {
			if lr.Message == nil {
				continue
			}
			page.Events = append(page.Events, message.HistoryEvent{
				Kind:   message.HistoryLabelsRemoved,
				PermID: lr.Message.Id,
				Labels: lr.LabelIds,
			})
		}
	}
	if last == start && resp.HistoryId > last {
		last = resp.HistoryId
	}
	page.Checkpoint = strconv.FormatUint(last, 10)
	return page, nil
}

// GetProfile fetches per-account totals and the current change-log
// position.
func (s *Service) GetProfile(ctx context.Context) (*message.Profile, error) {
	u, err := gmail_api.NewUsersService(s.service).GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "unable to get profile")
	}
	return &message.Profile{
		EmailAddress:  u.EmailAddress,
		MessagesTotal: u.MessagesTotal,
		Checkpoint:    strconv.FormatUint(u.HistoryId, 10),
	}, nil
}
