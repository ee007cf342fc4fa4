// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import "time"

// config controls the retry loop's attempt budget and backoff schedule.
// The zero value is never used directly; newDefaultConfig seeds sane
// defaults that individual Option funcs then override.
type config struct {
	attempts     uint
	sleep        time.Duration
	maxSleepTime time.Duration
	isRetryErr   func(error) bool
}

// Option configures a retry loop started via Do or Handle.
type Option func(*config)

func newDefaultConfig() *config {
	return &config{
		attempts:     uint(10),
		sleep:        200 * time.Millisecond,
		maxSleepTime: 3 * time.Second,
	}
}

// Attempts sets the max number of retries. 0 means retry forever.
func Attempts(attempts uint) Option {
	return func(c *config) {
		c.attempts = attempts
	}
}

// Sleep sets the initial backoff interval between attempts.
func Sleep(sleep time.Duration) Option {
	return func(c *config) {
		c.sleep = sleep
	}
}

// MaxSleepTime caps the exponentially growing backoff interval.
func MaxSleepTime(maxSleepTime time.Duration) Option {
	return func(c *config) {
		c.maxSleepTime = maxSleepTime
	}
}

// RetryErr restricts retrying to errors that satisfy isRetryErr; other
// errors are returned immediately.
func RetryErr(isRetryErr func(error) bool) Option {
	return func(c *config) {
		c.isRetryErr = isRetryErr
	}
}
