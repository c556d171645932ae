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

package binding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oneidp/oneidp/internal/audit"
	"github.com/oneidp/oneidp/internal/ssoclient"
)

// In-memory repos

type memUserRepo struct {
	rows []*BindUser
}

func (m *memUserRepo) Create(u *BindUser) error {
	for _, r := range m.rows {
		if r.IsActive && r.Uin == u.Uin {
			return ErrUinAlreadyBound
		}
		if r.IsActive && r.Sub == u.Sub {
			return ErrSubAlreadyBound
		}
	}
	cp := *u
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memUserRepo) GetByUin(uin int64) (*BindUser, error) {
	for _, r := range m.rows {
		if r.IsActive && r.Uin == uin {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrBindUserNotFound
}

func (m *memUserRepo) GetBySub(sub string) (*BindUser, error) {
	for _, r := range m.rows {
		if r.IsActive && r.Sub == sub {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrBindUserNotFound
}

func (m *memUserRepo) Deactivate(id string) error {
	for _, r := range m.rows {
		if r.ID == id && r.IsActive {
			r.IsActive = false
			return nil
		}
	}
	return ErrBindUserNotFound
}

type memPendingBindRepo struct {
	rows map[string]*PendingBind
}

func (m *memPendingBindRepo) Create(p *PendingBind) error {
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}

func (m *memPendingBindRepo) GetByState(state string, validOnly bool) (*PendingBind, error) {
	for _, p := range m.rows {
		if p.State == state {
			if validOnly && !p.IsValid(time.Now()) {
				return nil, ErrPendingBindNotFound
			}
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPendingBindNotFound
}

func (m *memPendingBindRepo) MarkUsed(id string) error {
	p, ok := m.rows[id]
	if !ok || p.IsUsed {
		return ErrPendingBindNotFound
	}
	p.IsUsed = true
	return nil
}

func (m *memPendingBindRepo) DeleteExpired() (int64, error) { return 0, nil }

type memPendingUnbindRepo struct {
	rows map[string]*PendingUnbind
}

func (m *memPendingUnbindRepo) Create(p *PendingUnbind) error {
	for id, old := range m.rows {
		if old.Uin == p.Uin {
			delete(m.rows, id)
		}
	}
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}

func (m *memPendingUnbindRepo) GetByUin(uin int64, validOnly bool) (*PendingUnbind, error) {
	for _, p := range m.rows {
		if p.Uin == uin {
			if validOnly && !p.IsValid(time.Now()) {
				return nil, ErrNoPendingUnbind
			}
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNoPendingUnbind
}

func (m *memPendingUnbindRepo) MarkProcessed(id string) error {
	p, ok := m.rows[id]
	if !ok || p.IsProcessed {
		return ErrNoPendingUnbind
	}
	p.IsProcessed = true
	return nil
}

func (m *memPendingUnbindRepo) DeleteExpired() (int64, error) { return 0, nil }

type memUnbindLogRepo struct {
	entries []*UnbindLog
}

func (m *memUnbindLogRepo) Create(e *UnbindLog) error {
	m.entries = append(m.entries, e)
	return nil
}

// fakeUpstream stands in for the relying-party client.
type fakeUpstream struct {
	info        *ssoclient.UserInfo
	exchangeErr error
}

func (f *fakeUpstream) ProviderName() string { return "FakeSSO" }

func (f *fakeUpstream) AuthorizationURL(ctx context.Context, state string) (string, error) {
	return "https://sso.example.com/authorize?state=" + state, nil
}

func (f *fakeUpstream) ExchangeCode(ctx context.Context, code string) (*ssoclient.TokenSet, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &ssoclient.TokenSet{AccessToken: "upstream-at"}, nil
}

func (f *fakeUpstream) GetUserinfo(ctx context.Context, accessToken string) (*ssoclient.UserInfo, error) {
	return f.info, nil
}

func aliceInfo() *ssoclient.UserInfo {
	return &ssoclient.UserInfo{
		Sub:               "alice-sub",
		Email:             "alice@example.com",
		PreferredUsername: "alice",
		RawData: map[string]any{
			"sub":                "alice-sub",
			"email":              "alice@example.com",
			"preferred_username": "alice",
			"department":         "engineering",
		},
	}
}

func newTestService(upstream UpstreamClient) (*Service, *memUserRepo, *memPendingBindRepo, *memPendingUnbindRepo, *memUnbindLogRepo) {
	users := &memUserRepo{}
	binds := &memPendingBindRepo{rows: make(map[string]*PendingBind)}
	unbinds := &memPendingUnbindRepo{rows: make(map[string]*PendingUnbind)}
	logs := &memUnbindLogRepo{}

	s := NewService(users, binds, unbinds, logs, upstream, audit.NewSlogLogger(), Config{
		StoredFields: []string{"department", "email"},
	})
	return s, users, binds, unbinds, logs
}

// TestPurpose: A full bind round trip: start hands out the upstream
// URL with the persisted state, the callback creates the binding and
// consumes the pending row.
// Scope: Unit Test
func TestBind_RoundTrip(t *testing.T) {
	s, users, binds, _, _ := newTestService(&fakeUpstream{info: aliceInfo()})
	ctx := context.Background()

	url, err := s.StartBind(ctx, 10001, "alice", "private", 10001)
	if err != nil {
		t.Fatalf("start bind failed: %v", err)
	}

	var state string
	for _, p := range binds.rows {
		state = p.State
	}
	if state == "" {
		t.Fatal("pending bind was not persisted")
	}
	if url != "https://sso.example.com/authorize?state="+state {
		t.Errorf("unexpected authorization url %q", url)
	}

	result, err := s.CompleteBind(ctx, state, "upstream-code")
	if err != nil {
		t.Fatalf("complete bind failed: %v", err)
	}

	if result.User.Sub != "alice-sub" || result.User.Uin != 10001 {
		t.Errorf("unexpected binding %+v", result.User)
	}
	if result.SourceType != "private" || result.SourceID != 10001 {
		t.Errorf("chat source lost: %+v", result)
	}
	// Only configured fields land in extra_data, core columns excluded.
	if result.User.ExtraData["department"] != "engineering" {
		t.Errorf("expected department in extra_data, got %+v", result.User.ExtraData)
	}
	if _, ok := result.User.ExtraData["email"]; ok {
		t.Error("core claim email must not be duplicated into extra_data")
	}

	if _, err := users.GetByUin(10001); err != nil {
		t.Errorf("binding not retrievable: %v", err)
	}

	// The state is consumed.
	if _, err := s.CompleteBind(ctx, state, "upstream-code"); !errors.Is(err, ErrPendingBindNotFound) {
		t.Errorf("expected consumed state to be invalid, got %v", err)
	}
}

// TestPurpose: A bound UIN cannot start a second bind, and a sub
// already linked elsewhere is rejected at the callback.
// Scope: Unit Test
func TestBind_Conflicts(t *testing.T) {
	s, _, binds, _, _ := newTestService(&fakeUpstream{info: aliceInfo()})
	ctx := context.Background()

	if _, err := s.StartBind(ctx, 10001, "alice", "private", 10001); err != nil {
		t.Fatalf("start bind failed: %v", err)
	}
	var state string
	for _, p := range binds.rows {
		state = p.State
	}
	if _, err := s.CompleteBind(ctx, state, "code"); err != nil {
		t.Fatalf("complete bind failed: %v", err)
	}

	if _, err := s.StartBind(ctx, 10001, "alice", "private", 10001); !errors.Is(err, ErrUinAlreadyBound) {
		t.Errorf("expected ErrUinAlreadyBound, got %v", err)
	}

	// A different UIN authenticating as the same upstream subject.
	if _, err := s.StartBind(ctx, 20002, "alice", "private", 20002); err != nil {
		t.Fatalf("second start bind failed: %v", err)
	}
	var state2 string
	for _, p := range binds.rows {
		if p.Uin == 20002 {
			state2 = p.State
		}
	}
	if _, err := s.CompleteBind(ctx, state2, "code"); !errors.Is(err, ErrSubAlreadyBound) {
		t.Errorf("expected ErrSubAlreadyBound, got %v", err)
	}

	// The conflict consumes the link; replaying it within the window
	// must fail as if it never existed.
	if _, err := s.CompleteBind(ctx, state2, "code"); !errors.Is(err, ErrPendingBindNotFound) {
		t.Errorf("expected conflict to consume the pending bind, got %v", err)
	}
}

// TestPurpose: An upstream exchange failure leaves the pending bind
// intact so the same link works on retry.
// Scope: Unit Test
func TestCompleteBind_UpstreamFailureKeepsPending(t *testing.T) {
	upstream := &fakeUpstream{info: aliceInfo(), exchangeErr: errors.New("boom")}
	s, _, binds, _, _ := newTestService(upstream)
	ctx := context.Background()

	if _, err := s.StartBind(ctx, 10001, "alice", "private", 10001); err != nil {
		t.Fatalf("start bind failed: %v", err)
	}
	var state string
	for _, p := range binds.rows {
		state = p.State
	}

	if _, err := s.CompleteBind(ctx, state, "code"); err == nil {
		t.Fatal("expected upstream failure")
	}

	upstream.exchangeErr = nil
	if _, err := s.CompleteBind(ctx, state, "code"); err != nil {
		t.Errorf("retry after upstream recovery failed: %v", err)
	}
}

// TestPurpose: Unbind requires an identity match, then a confirmation
// within the window; cancel withdraws the request.
// Scope: Unit Test
func TestUnbind_ConfirmAndCancel(t *testing.T) {
	s, users, binds, _, logs := newTestService(&fakeUpstream{info: aliceInfo()})
	ctx := context.Background()

	if _, err := s.StartBind(ctx, 10001, "alice", "private", 10001); err != nil {
		t.Fatalf("start bind failed: %v", err)
	}
	var state string
	for _, p := range binds.rows {
		state = p.State
	}
	if _, err := s.CompleteBind(ctx, state, "code"); err != nil {
		t.Fatalf("complete bind failed: %v", err)
	}

	if _, err := s.StartUnbind(ctx, 10001, "mallory", "private", 10001); !errors.Is(err, ErrUsernameMismatch) {
		t.Errorf("expected ErrUsernameMismatch, got %v", err)
	}

	// Email matches case-insensitively.
	if _, err := s.StartUnbind(ctx, 10001, "ALICE@example.com", "private", 10001); err != nil {
		t.Fatalf("start unbind failed: %v", err)
	}

	if err := s.CancelUnbind(ctx, 10001); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := s.ConfirmUnbind(ctx, 10001); !errors.Is(err, ErrNoPendingUnbind) {
		t.Errorf("expected no pending unbind after cancel, got %v", err)
	}

	if _, err := s.StartUnbind(ctx, 10001, "alice", "private", 10001); err != nil {
		t.Fatalf("second start unbind failed: %v", err)
	}
	user, err := s.ConfirmUnbind(ctx, 10001)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if user.Sub != "alice-sub" {
		t.Errorf("unexpected user %+v", user)
	}

	if _, err := users.GetByUin(10001); !errors.Is(err, ErrBindUserNotFound) {
		t.Error("binding still active after confirm")
	}

	// cancel + confirm leave an audit trail.
	if len(logs.entries) != 2 {
		t.Fatalf("expected 2 unbind log entries, got %d", len(logs.entries))
	}
	if logs.entries[0].IsUnbind || logs.entries[0].Reason != "cancel" {
		t.Errorf("unexpected first log entry %+v", logs.entries[0])
	}
	if !logs.entries[1].IsUnbind || logs.entries[1].Reason != "confirm" {
		t.Errorf("unexpected second log entry %+v", logs.entries[1])
	}
}

// TestPurpose: An expired pending unbind cannot be confirmed.
// Scope: Unit Test
func TestUnbind_Expired(t *testing.T) {
	s, _, binds, unbinds, _ := newTestService(&fakeUpstream{info: aliceInfo()})
	ctx := context.Background()

	if _, err := s.StartBind(ctx, 10001, "alice", "private", 10001); err != nil {
		t.Fatalf("start bind failed: %v", err)
	}
	var state string
	for _, p := range binds.rows {
		state = p.State
	}
	if _, err := s.CompleteBind(ctx, state, "code"); err != nil {
		t.Fatalf("complete bind failed: %v", err)
	}

	if _, err := s.StartUnbind(ctx, 10001, "alice", "private", 10001); err != nil {
		t.Fatalf("start unbind failed: %v", err)
	}
	for _, p := range unbinds.rows {
		p.ExpiresAt = time.Now().Add(-time.Minute)
	}

	if _, err := s.ConfirmUnbind(ctx, 10001); !errors.Is(err, ErrNoPendingUnbind) {
		t.Errorf("expected ErrNoPendingUnbind, got %v", err)
	}
}

// TestPurpose: Rebinding after an unbind works; the deactivated row
// does not block the new one.
// Scope: Unit Test
func TestRebindAfterUnbind(t *testing.T) {
	s, _, binds, _, _ := newTestService(&fakeUpstream{info: aliceInfo()})
	ctx := context.Background()

	if _, err := s.StartBind(ctx, 10001, "alice", "private", 10001); err != nil {
		t.Fatalf("start bind failed: %v", err)
	}
	var state string
	for _, p := range binds.rows {
		state = p.State
	}
	if _, err := s.CompleteBind(ctx, state, "code"); err != nil {
		t.Fatalf("complete bind failed: %v", err)
	}

	if _, err := s.StartUnbind(ctx, 10001, "alice", "private", 10001); err != nil {
		t.Fatalf("start unbind failed: %v", err)
	}
	if _, err := s.ConfirmUnbind(ctx, 10001); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	if _, err := s.StartBind(ctx, 10001, "alice", "private", 10001); err != nil {
		t.Errorf("rebind failed: %v", err)
	}
}
