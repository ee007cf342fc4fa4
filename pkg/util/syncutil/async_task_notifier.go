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

package syncutil

import "context"

// AsyncTaskNotifier coordinates the lifecycle of a single background task:
// the owner calls Cancel to request a stop and BlockUntilFinish to wait for
// the task to report its terminal value via Finish.
type AsyncTaskNotifier[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	result chan T
}

// NewAsyncTaskNotifier creates a notifier whose Context is canceled by Cancel.
func NewAsyncTaskNotifier[T any]() *AsyncTaskNotifier[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncTaskNotifier[T]{
		ctx:    ctx,
		cancel: cancel,
		result: make(chan T, 1),
	}
}

// Context returns the context that is canceled once Cancel is called.
func (n *AsyncTaskNotifier[T]) Context() context.Context {
	return n.ctx
}

// Cancel requests the background task to stop.
func (n *AsyncTaskNotifier[T]) Cancel() {
	n.cancel()
}

// Finish reports the task's terminal value. Must be called exactly once by
// the background task before it returns.
func (n *AsyncTaskNotifier[T]) Finish(result T) {
	n.result <- result
}

// BlockUntilFinish waits for Finish to be called and returns its value.
func (n *AsyncTaskNotifier[T]) BlockUntilFinish() T {
	return <-n.result
}
