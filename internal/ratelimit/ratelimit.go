// Copyright 2026 The OneIDP Authors
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

// Package ratelimit provides a sliding-window counter keyed by
// (bucket, caller). The same limiter backs the HTTP endpoints and
// the chat commands, so one hot caller cannot drain both surfaces
// independently.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket names. Each bucket carries its own rule.
const (
	BucketAuthorize = "authorize"
	BucketToken     = "token"
	BucketBind      = "bind"
	BucketAuthCode  = "auth_code"
)

const (
	sweepInterval = 5 * time.Minute
	maxEntryAge   = time.Hour
)

// Rule is the allowance for one bucket: at most Limit hits per
// sliding Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules returns the stock per-bucket allowances.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		BucketAuthorize: {Limit: 10, Window: time.Minute},
		BucketToken:     {Limit: 20, Window: time.Minute},
		BucketBind:      {Limit: 5, Window: time.Minute},
		BucketAuthCode:  {Limit: 10, Window: time.Minute},
	}
}

// Limiter tracks hit timestamps per (bucket, key). Buckets without a
// rule are unlimited.
type Limiter struct {
	mu        sync.Mutex
	rules     map[string]Rule
	hits      map[string][]time.Time
	lastSweep time.Time

	now func() time.Time
}

// NewLimiter creates a limiter with the given rules. Pass nil to use
// DefaultRules.
func NewLimiter(rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{
		rules:     rules,
		hits:      make(map[string][]time.Time),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow records a hit for (bucket, key) and reports whether it is
// within the rule. When denied, retryAfter is the wait until the
// oldest in-window hit ages out.
func (l *Limiter) Allow(bucket, key string) (ok bool, retryAfter time.Duration) {
	rule, limited := l.rules[bucket]
	if !limited {
		return true, 0
	}

	now := l.now()
	mapKey := bucket + "\x00" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweepLocked(now)
	}

	cutoff := now.Add(-rule.Window)
	window := l.hits[mapKey]
	live := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	if len(live) >= rule.Limit {
		l.hits[mapKey] = live
		return false, live[0].Sub(cutoff)
	}

	l.hits[mapKey] = append(live, now)
	return true, 0
}

// sweepLocked drops timestamps older than an hour and forgets idle
// keys. Caller holds the lock.
func (l *Limiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-maxEntryAge)
	for key, window := range l.hits {
		live := window[:0]
		for _, t := range window {
			if t.After(cutoff) {
				live = append(live, t)
			}
		}
		if len(live) == 0 {
			delete(l.hits, key)
			continue
		}
		l.hits[key] = live
	}
	l.lastSweep = now
}
