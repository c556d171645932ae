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

package bot

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/oneidp/oneidp/internal/audit"
	"github.com/oneidp/oneidp/internal/binding"
	"github.com/oneidp/oneidp/internal/oauth2"
	"github.com/oneidp/oneidp/internal/ratelimit"
	"github.com/oneidp/oneidp/internal/ssoclient"
)

// recordingSender captures outgoing chat messages.
type recordingSender struct {
	groupMsgs   []string
	privateMsgs []string
}

func (r *recordingSender) SendGroupMsg(ctx context.Context, groupID int64, message string) error {
	r.groupMsgs = append(r.groupMsgs, message)
	return nil
}

func (r *recordingSender) SendPrivateMsg(ctx context.Context, userID int64, message string) error {
	r.privateMsgs = append(r.privateMsgs, message)
	return nil
}

// Minimal in-memory repos backing the real services.

type dtUserRepo struct{ rows []*binding.BindUser }

func (m *dtUserRepo) Create(u *binding.BindUser) error {
	m.rows = append(m.rows, u)
	return nil
}
func (m *dtUserRepo) GetByUin(uin int64) (*binding.BindUser, error) {
	for _, r := range m.rows {
		if r.IsActive && r.Uin == uin {
			return r, nil
		}
	}
	return nil, binding.ErrBindUserNotFound
}
func (m *dtUserRepo) GetBySub(sub string) (*binding.BindUser, error) {
	for _, r := range m.rows {
		if r.IsActive && r.Sub == sub {
			return r, nil
		}
	}
	return nil, binding.ErrBindUserNotFound
}
func (m *dtUserRepo) Deactivate(id string) error {
	for _, r := range m.rows {
		if r.ID == id && r.IsActive {
			r.IsActive = false
			return nil
		}
	}
	return binding.ErrBindUserNotFound
}

type dtPendingBindRepo struct{ rows map[string]*binding.PendingBind }

func (m *dtPendingBindRepo) Create(p *binding.PendingBind) error {
	m.rows[p.ID] = p
	return nil
}
func (m *dtPendingBindRepo) GetByState(state string, validOnly bool) (*binding.PendingBind, error) {
	for _, p := range m.rows {
		if p.State == state && (!validOnly || p.IsValid(time.Now())) {
			return p, nil
		}
	}
	return nil, binding.ErrPendingBindNotFound
}
func (m *dtPendingBindRepo) MarkUsed(id string) error {
	if p, ok := m.rows[id]; ok && !p.IsUsed {
		p.IsUsed = true
		return nil
	}
	return binding.ErrPendingBindNotFound
}
func (m *dtPendingBindRepo) DeleteExpired() (int64, error) { return 0, nil }

type dtPendingUnbindRepo struct{ rows map[string]*binding.PendingUnbind }

func (m *dtPendingUnbindRepo) Create(p *binding.PendingUnbind) error {
	for id, old := range m.rows {
		if old.Uin == p.Uin {
			delete(m.rows, id)
		}
	}
	m.rows[p.ID] = p
	return nil
}
func (m *dtPendingUnbindRepo) GetByUin(uin int64, validOnly bool) (*binding.PendingUnbind, error) {
	for _, p := range m.rows {
		if p.Uin == uin && (!validOnly || p.IsValid(time.Now())) {
			return p, nil
		}
	}
	return nil, binding.ErrNoPendingUnbind
}
func (m *dtPendingUnbindRepo) MarkProcessed(id string) error {
	if p, ok := m.rows[id]; ok && !p.IsProcessed {
		p.IsProcessed = true
		return nil
	}
	return binding.ErrNoPendingUnbind
}
func (m *dtPendingUnbindRepo) DeleteExpired() (int64, error) { return 0, nil }

type dtUnbindLogRepo struct{}

func (dtUnbindLogRepo) Create(*binding.UnbindLog) error { return nil }

type dtUpstream struct{}

func (dtUpstream) ProviderName() string { return "TestSSO" }
func (dtUpstream) AuthorizationURL(ctx context.Context, state string) (string, error) {
	return "https://sso.example.com/authorize?state=" + state, nil
}
func (dtUpstream) ExchangeCode(ctx context.Context, code string) (*ssoclient.TokenSet, error) {
	return &ssoclient.TokenSet{AccessToken: "at"}, nil
}
func (dtUpstream) GetUserinfo(ctx context.Context, accessToken string) (*ssoclient.UserInfo, error) {
	return &ssoclient.UserInfo{Sub: "alice-sub", PreferredUsername: "alice"}, nil
}

type dtPendingAuthRepo struct{ rows map[string]*oauth2.PendingAuth }

func (m *dtPendingAuthRepo) Create(p *oauth2.PendingAuth) error {
	m.rows[p.ID] = p
	return nil
}
func (m *dtPendingAuthRepo) GetByVerificationCode(code string, validOnly bool) (*oauth2.PendingAuth, error) {
	for _, p := range m.rows {
		if p.VerificationCode == code && (!validOnly || p.VerificationUsable()) {
			return p, nil
		}
	}
	return nil, oauth2.ErrPendingAuthNotFound
}
func (m *dtPendingAuthRepo) GetByAuthCode(code string, validOnly bool) (*oauth2.PendingAuth, error) {
	for _, p := range m.rows {
		if p.AuthCode == code && (!validOnly || p.AuthCodeUsable()) {
			return p, nil
		}
	}
	return nil, oauth2.ErrPendingAuthNotFound
}
func (m *dtPendingAuthRepo) Claim(id string, uin int64, bindUserID string) error {
	p, ok := m.rows[id]
	if !ok || p.Uin != 0 {
		return oauth2.ErrAlreadyClaimed
	}
	p.Uin = uin
	p.BindUserID = bindUserID
	return nil
}
func (m *dtPendingAuthRepo) Approve(id string) error {
	if p, ok := m.rows[id]; ok {
		p.IsApproved = true
		return nil
	}
	return oauth2.ErrPendingAuthNotFound
}
func (m *dtPendingAuthRepo) MarkUsed(id string) error {
	if p, ok := m.rows[id]; ok && !p.IsUsed {
		p.IsUsed = true
		return nil
	}
	return oauth2.ErrCodeAlreadyUsed
}
func (m *dtPendingAuthRepo) DeleteExpired() (int64, error) { return 0, nil }

type dtTokenRepo struct{}

func (dtTokenRepo) Create(*oauth2.OAuthToken) error { return nil }
func (dtTokenRepo) GetByAccessToken(string, bool) (*oauth2.OAuthToken, error) {
	return nil, oauth2.ErrTokenNotFound
}
func (dtTokenRepo) GetByRefreshToken(string, bool) (*oauth2.OAuthToken, error) {
	return nil, oauth2.ErrTokenNotFound
}
func (dtTokenRepo) Revoke(string) error                        { return nil }
func (dtTokenRepo) RevokeAllUserTokens(int64, string) (int64, error) { return 0, nil }
func (dtTokenRepo) DeleteExpired() (int64, error)              { return 0, nil }

type dtAuthLogRepo struct{}

func (dtAuthLogRepo) Create(*oauth2.AuthorizationLog) error { return nil }

func newTestDispatcher(t *testing.T) (*Dispatcher, *recordingSender, *oauth2.Service, *dtUserRepo) {
	t.Helper()

	users := &dtUserRepo{}
	binds := binding.NewService(
		users,
		&dtPendingBindRepo{rows: map[string]*binding.PendingBind{}},
		&dtPendingUnbindRepo{rows: map[string]*binding.PendingUnbind{}},
		dtUnbindLogRepo{},
		dtUpstream{},
		audit.NewSlogLogger(),
		binding.Config{},
	)

	oauth := oauth2.NewService(
		[]oauth2.Client{{
			ClientID:      "demo",
			ClientSecret:  "secret",
			Name:          "Demo App",
			RedirectURIs:  []string{"https://rp.example.com/cb"},
			AllowedScopes: []string{"uin", "openid"},
		}},
		&dtPendingAuthRepo{rows: map[string]*oauth2.PendingAuth{}},
		dtTokenRepo{},
		dtAuthLogRepo{},
		users,
		audit.NewSlogLogger(),
		nil,
		oauth2.Config{},
	)

	sender := &recordingSender{}
	d := NewDispatcher(sender, binds, oauth, ratelimit.NewLimiter(nil), DispatcherConfig{
		AllowedGroups: []int64{42},
		ProviderName:  "TestSSO",
	})
	return d, sender, oauth, users
}

func privateMessage(uin int64, text string) *Event {
	raw, _ := json.Marshal(text)
	return &Event{
		PostType:    "message",
		MessageType: "private",
		UserID:      uin,
		Message:     json.RawMessage(raw),
	}
}

func groupMessage(uin, groupID int64, text string) *Event {
	ev := privateMessage(uin, text)
	ev.MessageType = "group"
	ev.GroupID = groupID
	return ev
}

// TestPurpose: Messages without the command prefix and group messages
// outside the allow-list are ignored silently.
// Scope: Unit Test
func TestDispatcher_Filtering(t *testing.T) {
	d, sender, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleEvent(ctx, privateMessage(10001, "hello there"))
	d.HandleEvent(ctx, groupMessage(10001, 99, "/sso help"))
	d.HandleEvent(ctx, &Event{PostType: "notice"})

	if len(sender.privateMsgs)+len(sender.groupMsgs) != 0 {
		t.Errorf("expected silence, got %v %v", sender.privateMsgs, sender.groupMsgs)
	}
}

// TestPurpose: The bind command replies with the upstream link and a
// second bind is politely refused; group replies carry a mention.
// Scope: Unit Test
func TestDispatcher_Bind(t *testing.T) {
	d, sender, _, users := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleEvent(ctx, groupMessage(10001, 42, "/sso bind alice"))
	if len(sender.groupMsgs) != 1 {
		t.Fatalf("expected one group reply, got %v", sender.groupMsgs)
	}
	if !strings.HasPrefix(sender.groupMsgs[0], "[CQ:at,qq=10001] ") {
		t.Errorf("group reply must mention the caller: %q", sender.groupMsgs[0])
	}
	if !strings.Contains(sender.groupMsgs[0], "https://sso.example.com/authorize?state=") {
		t.Errorf("reply is missing the bind link: %q", sender.groupMsgs[0])
	}

	users.rows = append(users.rows, &binding.BindUser{ID: "bu-1", Uin: 10001, Sub: "alice-sub", IsActive: true})

	d.HandleEvent(ctx, privateMessage(10001, "/sso bind alice"))
	if len(sender.privateMsgs) != 1 || !strings.Contains(sender.privateMsgs[0], "already have an active binding") {
		t.Errorf("expected already-bound reply, got %v", sender.privateMsgs)
	}
}

// TestPurpose: The auth command demands a binding first, then claims
// and approves a pending authorization.
// Scope: Unit Test
func TestDispatcher_Auth(t *testing.T) {
	d, sender, oauth, users := newTestDispatcher(t)
	ctx := context.Background()

	pending, err := oauth.StartAuthorization(ctx, &oauth2.AuthorizeRequest{
		ClientID:     "demo",
		RedirectURI:  "https://rp.example.com/cb",
		ResponseType: "code",
		Scope:        "openid uin",
	})
	if err != nil {
		t.Fatalf("start authorization failed: %v", err)
	}

	d.HandleEvent(ctx, privateMessage(10001, "/sso auth "+pending.VerificationCode))
	if len(sender.privateMsgs) != 1 || !strings.Contains(sender.privateMsgs[0], "must bind") {
		t.Fatalf("expected bind-first reply, got %v", sender.privateMsgs)
	}

	users.rows = append(users.rows, &binding.BindUser{ID: "bu-1", Uin: 10001, Sub: "alice-sub", IsActive: true})

	d.HandleEvent(ctx, privateMessage(10001, "/sso auth "+pending.VerificationCode))
	last := sender.privateMsgs[len(sender.privateMsgs)-1]
	if !strings.Contains(last, "Approved Demo App") {
		t.Errorf("expected approval reply, got %q", last)
	}

	d.HandleEvent(ctx, privateMessage(10001, "/sso auth ZZZZZZ"))
	last = sender.privateMsgs[len(sender.privateMsgs)-1]
	if !strings.Contains(last, "invalid or expired") {
		t.Errorf("expected invalid-code reply, got %q", last)
	}
}

// TestPurpose: Repeated bind commands trip the per-UIN allowance.
// Scope: Unit Test
func TestDispatcher_BindRateLimit(t *testing.T) {
	d, sender, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		d.HandleEvent(ctx, privateMessage(10001, "/sso bind alice"))
	}

	last := sender.privateMsgs[len(sender.privateMsgs)-1]
	if !strings.Contains(last, "Too many bind attempts") {
		t.Errorf("expected throttle reply, got %q", last)
	}
}

// TestPurpose: Unknown commands and bare prefixes surface usage help.
// Scope: Unit Test
func TestDispatcher_Help(t *testing.T) {
	d, sender, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleEvent(ctx, privateMessage(10001, "/sso"))
	d.HandleEvent(ctx, privateMessage(10001, "/sso frobnicate"))

	if len(sender.privateMsgs) != 2 {
		t.Fatalf("expected two replies, got %v", sender.privateMsgs)
	}
	if !strings.Contains(sender.privateMsgs[0], "Commands:") {
		t.Errorf("expected help text, got %q", sender.privateMsgs[0])
	}
	if !strings.Contains(sender.privateMsgs[1], "Unknown command") {
		t.Errorf("expected unknown-command reply, got %q", sender.privateMsgs[1])
	}
}
