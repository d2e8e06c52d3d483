/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package storage

import (
	"sync"
)

// ioPool runs blocking fsync work on a small worker pool
// so that issuing Engine.Sync never blocks a different actor's inbox
// processing (spec.md §5): it only suspends the goroutine that called
// it. Trimmed to the one operation the consensus core actually needs —
// a synchronous, ordered "run this and wait" submission, not a fully
// asynchronous callback queue.
type ioPool struct {
	config  ioPoolConfig
	jobs    chan func() error
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

type ioPoolConfig struct {
	NumWorkers int
	QueueSize  int
}

func defaultIOPoolConfig() ioPoolConfig {
	return ioPoolConfig{NumWorkers: 4, QueueSize: 1024}
}

func newIOPool(cfg ioPoolConfig) *ioPool {
	p := &ioPool{
		config: cfg,
		jobs:   make(chan func() error, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *ioPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			job()
		}
	}
}

// submitSync runs fn on a pool worker and blocks the caller until it
// completes, returning fn's error. The caller's goroutine is
// suspended, but every other actor's goroutine keeps servicing its own
// inbox in the meantime.
func (p *ioPool) submitSync(fn func() error) error {
	done := make(chan error, 1)
	job := func() error {
		err := fn()
		done <- err
		return err
	}
	select {
	case p.jobs <- job:
	case <-p.stopCh:
		return errPoolClosed
	}
	return <-done
}

func (p *ioPool) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

var errPoolClosed = poolClosedError{}

type poolClosedError struct{}

func (poolClosedError) Error() string { return "storage: io pool closed" }
