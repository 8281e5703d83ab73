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

// Package progress renders sync progress as a terminal progress bar.
package progress

import (
	"fmt"
	"sync"
	"time"

	msync "github.com/mailsweep/mailsweep/internal/sync"

	"github.com/pterm/pterm"
)

// Bar is a terminal progress observer for a sync run.  It implements
// the engine's Observer; all methods are safe for concurrent use and
// never block.
type Bar struct {
	mu      sync.Mutex
	pb      *pterm.ProgressbarPrinter
	enabled bool
}

var _ msync.Observer = (*Bar)(nil)

// New creates a progress bar observer.  When enabled is false every
// event is discarded, which is what non-interactive runs want.
func New(enabled bool) *Bar {
	return &Bar{enabled: enabled}
}

// PageListed notes listing progress before the bar exists; the total
// is not trustworthy until fetching starts.
func (b *Bar) PageListed(page int, totalListed int) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		pterm.Info.Printf("listed page %d (%d messages so far)\n", page, totalListed)
	}
}

// FetchProgress advances the bar to the engine's processed count.
func (b *Bar) FetchProgress(p msync.Progress) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		pb, err := pterm.DefaultProgressbar.
			WithTotal(int(p.Total)).
			WithTitle("Syncing messages").
			Start()
		if err != nil {
			b.enabled = false
			return
		}
		b.pb = pb
	}
	if int(p.Total) != b.pb.Total {
		b.pb = b.pb.WithTotal(int(p.Total))
	}
	b.pb.Current = int(p.Processed)
	title := fmt.Sprintf("Syncing messages (%.0f/s", p.Rate)
	if p.ETA > 0 {
		title += fmt.Sprintf(", ~%v left", p.ETA.Round(time.Second))
	}
	title += ")"
	if p.Failed > 0 {
		title += fmt.Sprintf(" %d failed", p.Failed)
	}
	b.pb.UpdateTitle(title)
}

// Stop finishes the bar.  Safe to call when none was ever started.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb != nil {
		_, _ = b.pb.Stop()
		b.pb = nil
	}
}
