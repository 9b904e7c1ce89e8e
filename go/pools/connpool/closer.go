// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import (
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// closeAll closes conns on a bounded worker pool and returns the joined
// close errors. A Postgres close sends a Terminate message and may block on
// a slow peer, so a large pool is closed in parallel.
func (p *Pool[C]) closeAll(conns []*Pooled[C]) error {
	switch len(conns) {
	case 0:
		return nil
	case 1:
		return p.closeConn(conns[0])
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	workers, err := ants.NewPool(min(p.cfg.CloseWorkers, len(conns)), ants.WithDisablePurge(true))
	if err != nil {
		// Fall back to closing inline.
		for _, pooled := range conns {
			record(p.closeConn(pooled))
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err := workers.ReleaseTimeout(time.Second); err != nil {
			p.logger.Debug("close workers did not release in time", "err", err)
		}
	}()

	for _, pooled := range conns {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			record(p.closeConn(pooled))
		}
		if err := workers.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}
