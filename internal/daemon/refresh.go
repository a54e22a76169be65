// Copyright 2025 PhotoFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"log"
	"os"
	"time"

	"photofs/internal/storage"
)

// EnvDisableRefresh disables background refresh scheduling when set.
// Tests set it so refresh timing never interferes with assertions.
const EnvDisableRefresh = "PHOTOFS_DISABLE_REFRESH"

// Startup delays before the first run of each refresher. Mount should
// settle and serve from the persisted index before any remote traffic.
const (
	albumsRefreshDelay = 1 * time.Minute
	mediaRefreshDelay  = 5 * time.Minute
)

// Refresher is a periodic reconciliation task. The daemon runs one
// scheduler goroutine per refresher.
type Refresher interface {
	Name() string
	Delay() time.Duration
	Interval() time.Duration
	Refresh(ctx context.Context) error
}

// syncRefresher runs one index sync function under a time budget.
type syncRefresher struct {
	name     string
	delay    time.Duration
	interval time.Duration
	budget   time.Duration
	run      func(context.Context) error
}

func (r *syncRefresher) Name() string            { return r.name }
func (r *syncRefresher) Delay() time.Duration    { return r.delay }
func (r *syncRefresher) Interval() time.Duration { return r.interval }

func (r *syncRefresher) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()
	return r.run(ctx)
}

// refreshers builds the configured refreshers. An interval of zero
// disables that refresher.
func (d *Daemon) refreshers() []Refresher {
	var refreshers []Refresher
	if iv := d.cfg.AlbumsRefresh(); iv > 0 {
		refreshers = append(refreshers, &syncRefresher{
			name:     "albums",
			delay:    albumsRefreshDelay,
			interval: iv,
			budget:   storage.DefaultSyncBudget,
			run:      d.index.SyncAlbums,
		})
	}
	if iv := d.cfg.MediaRefresh(); iv > 0 {
		refreshers = append(refreshers, &syncRefresher{
			name:     "media",
			delay:    mediaRefreshDelay,
			interval: iv,
			budget:   storage.DefaultSyncBudget,
			run:      d.index.SyncMedia,
		})
	}
	return refreshers
}

// startRefreshers schedules the background refreshers.
func (d *Daemon) startRefreshers() {
	if os.Getenv(EnvDisableRefresh) != "" {
		log.Printf("Background refresh disabled by %s", EnvDisableRefresh)
		return
	}
	for _, r := range d.refreshers() {
		d.wg.Add(1)
		go d.scheduleRefresh(r)
	}
}

// scheduleRefresh drives one refresher until the daemon stops.
func (d *Daemon) scheduleRefresh(r Refresher) {
	defer d.wg.Done()

	timer := time.NewTimer(r.Delay())
	defer timer.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-timer.C:
		}

		start := time.Now()
		if err := r.Refresh(d.runCtx); err != nil {
			log.Printf("%s refresh failed after %v: %v", r.Name(), time.Since(start), err)
		} else {
			log.Printf("%s refresh completed in %v", r.Name(), time.Since(start))
		}

		timer.Reset(r.Interval())
	}
}
