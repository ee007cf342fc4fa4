// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	"runtime"

	ants "github.com/panjf2000/ants/v2"
)

// Pool wraps an ants goroutine pool with typed Submit/Future semantics so a
// caller never blocks on the underlying pool's raw callback API.
type Pool[T any] struct {
	inner *ants.Pool
}

// NewPool creates a Pool with the given worker capacity. cap <= 0 means
// unlimited (bounded only by system resources).
func NewPool[T any](cap int, opts ...PoolOption) (*Pool[T], error) {
	o := defaultPoolOption()
	for _, opt := range opts {
		opt(o)
	}
	if cap <= 0 {
		cap = -1
	}
	inner, err := ants.NewPool(cap, o.antsOptions()...)
	if err != nil {
		return nil, err
	}
	return &Pool[T]{inner: inner}, nil
}

// NewDefaultPool creates a Pool sized to twice the host's GOMAXPROCS.
func NewDefaultPool[T any]() *Pool[T] {
	pool, err := NewPool[T](runtime.GOMAXPROCS(0) * 2)
	if err != nil {
		panic(err)
	}
	return pool
}

// Submit schedules method to run on a pool worker and returns a Future for
// its result. method's panic is recovered by the pool's configured handler.
func (p *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := p.inner.Submit(func() {
		result, err := method()
		future.deliver(result, err)
	})
	if err != nil {
		future.deliver(*new(T), err)
	}
	return future
}

// Release closes the pool, waiting for running workers to finish.
func (p *Pool[T]) Release() {
	p.inner.Release()
}

// Running returns the number of workers currently executing a task.
func (p *Pool[T]) Running() int {
	return p.inner.Running()
}

// Cap returns the capacity of the pool.
func (p *Pool[T]) Cap() int {
	return p.inner.Cap()
}
