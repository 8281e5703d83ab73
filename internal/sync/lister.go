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
	"context"

	"github.com/mailsweep/mailsweep/internal/message"

	"github.com/pkg/errors"
)

// Lister produces the lazy, restartable sequence of message ID pages
// for one account.  Each page fetch obtains a fresh credentialed
// client, since tokens may need a mid-run refresh on long syncs.
type Lister struct {
	provider  ClientProvider
	accountID string
	observer  Observer
	retry     RetryPolicy

	cursor      string
	page        int
	totalListed int
	done        bool
}

// NewLister returns a Lister starting at startCursor.  An empty
// startCursor lists from the beginning; a stored cursor resumes a
// prior run mid-stream.
func NewLister(provider ClientProvider, accountID, startCursor string, observer Observer) *Lister {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Lister{
		provider:  provider,
		accountID: accountID,
		observer:  observer,
		retry:     DefaultRetryPolicy(),
		cursor:    startCursor,
	}
}

// Next pulls the next page on demand.  Returns (nil, nil) once the
// sequence is exhausted: the provider returned no cursor or an empty
// page.
func (l *Lister) Next(ctx context.Context) (*message.Page, error) {
	if l.done {
		return nil, nil
	}

	client, err := l.provider.GetClient(ctx, l.accountID)
	if err != nil {
		return nil, errors.Wrap(err, "unable to acquire client for listing")
	}

	var page *message.Page
	err = l.retry.Do(ctx, func() error {
		var err error
		page, err = client.ListPage(ctx, l.cursor)
		return err
	}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list page of messages")
	}

	if len(page.IDs) == 0 {
		l.done = true
		return nil, nil
	}

	l.page++
	l.totalListed += len(page.IDs)
	l.cursor = page.NextCursor
	if page.NextCursor == "" {
		l.done = true
	}
	l.observer.PageListed(l.page, l.totalListed)
	return page, nil
}

// Cursor reports the cursor of the page Next would fetch, which is
// the resume point to checkpoint at a page boundary.  Empty once the
// sequence is exhausted or before any resume cursor was seen.
func (l *Lister) Cursor() string {
	return l.cursor
}

// TotalListed reports how many IDs have been listed so far.
func (l *Lister) TotalListed() int {
	return l.totalListed
}
