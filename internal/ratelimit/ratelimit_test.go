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

package ratelimit

import (
	"testing"
	"time"
)

// clockedLimiter returns a limiter whose clock the test controls.
func clockedLimiter(rules map[string]Rule) (*Limiter, *time.Time) {
	l := NewLimiter(rules)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.lastSweep = current
	l.now = func() time.Time { return current }
	return l, &current
}

// TestPurpose: Hits beyond the per-window allowance are denied, with a
// retry hint pointing at when the oldest hit ages out.
// Scope: Unit Test
func TestLimiter_DenyOverLimit(t *testing.T) {
	l, _ := clockedLimiter(map[string]Rule{"b": {Limit: 3, Window: time.Minute}})

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("b", "k"); !ok {
			t.Fatalf("hit %d unexpectedly denied", i)
		}
	}

	ok, retryAfter := l.Allow("b", "k")
	if ok {
		t.Fatal("fourth hit must be denied")
	}
	if retryAfter != time.Minute {
		t.Errorf("expected full-window retry hint, got %v", retryAfter)
	}
}

// TestPurpose: Old hits fall out of the sliding window and free up the
// allowance again.
// Scope: Unit Test
func TestLimiter_WindowSlides(t *testing.T) {
	l, clock := clockedLimiter(map[string]Rule{"b": {Limit: 2, Window: time.Minute}})

	l.Allow("b", "k")
	*clock = clock.Add(30 * time.Second)
	l.Allow("b", "k")

	ok, retryAfter := l.Allow("b", "k")
	if ok {
		t.Fatal("third hit inside the window must be denied")
	}
	// The first hit is 30s old; it leaves the window 30s from now.
	if retryAfter != 30*time.Second {
		t.Errorf("expected 30s retry hint, got %v", retryAfter)
	}

	*clock = clock.Add(31 * time.Second)
	if ok, _ := l.Allow("b", "k"); !ok {
		t.Error("hit after the oldest aged out must be allowed")
	}
}

// TestPurpose: Keys are isolated per (bucket, caller) pair.
// Scope: Unit Test
func TestLimiter_KeyIsolation(t *testing.T) {
	l, _ := clockedLimiter(map[string]Rule{
		"a": {Limit: 1, Window: time.Minute},
		"b": {Limit: 1, Window: time.Minute},
	})

	l.Allow("a", "k1")
	if ok, _ := l.Allow("a", "k1"); ok {
		t.Error("same key must be limited")
	}
	if ok, _ := l.Allow("a", "k2"); !ok {
		t.Error("other key must not share the allowance")
	}
	if ok, _ := l.Allow("b", "k1"); !ok {
		t.Error("other bucket must not share the allowance")
	}
}

// TestPurpose: Buckets without a rule are unlimited.
// Scope: Unit Test
func TestLimiter_UnknownBucket(t *testing.T) {
	l, _ := clockedLimiter(map[string]Rule{})

	for i := 0; i < 1000; i++ {
		if ok, _ := l.Allow("anything", "k"); !ok {
			t.Fatal("ruleless bucket must never deny")
		}
	}
}

// TestPurpose: The periodic sweep forgets callers idle for over an
// hour so the hit map does not grow without bound.
// Scope: Unit Test
func TestLimiter_SweepDropsIdleKeys(t *testing.T) {
	l, clock := clockedLimiter(map[string]Rule{"b": {Limit: 5, Window: time.Minute}})

	l.Allow("b", "idle")
	if len(l.hits) != 1 {
		t.Fatalf("expected one tracked key, got %d", len(l.hits))
	}

	*clock = clock.Add(2 * time.Hour)
	l.Allow("b", "active")

	if _, tracked := l.hits["b\x00idle"]; tracked {
		t.Error("idle key survived the sweep")
	}
	if _, tracked := l.hits["b\x00active"]; !tracked {
		t.Error("active key missing after the sweep")
	}
}

// TestPurpose: Stock rules cover every published bucket.
// Scope: Unit Test
func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()
	for _, bucket := range []string{BucketAuthorize, BucketToken, BucketBind, BucketAuthCode} {
		rule, ok := rules[bucket]
		if !ok {
			t.Errorf("bucket %s has no default rule", bucket)
			continue
		}
		if rule.Limit <= 0 || rule.Window <= 0 {
			t.Errorf("bucket %s has a degenerate rule %+v", bucket, rule)
		}
	}
}
