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
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/oneidp/oneidp/internal/binding"
	"github.com/oneidp/oneidp/internal/oauth2"
	"github.com/oneidp/oneidp/internal/observability/logger"
	"github.com/oneidp/oneidp/internal/ratelimit"
)

// Sender delivers chat replies. Implemented by Manager.
type Sender interface {
	SendGroupMsg(ctx context.Context, groupID int64, message string) error
	SendPrivateMsg(ctx context.Context, userID int64, message string) error
}

// DispatcherConfig holds command parsing settings.
type DispatcherConfig struct {
	Prefix        string
	AllowedGroups []int64
	ProviderName  string
}

// Dispatcher parses chat commands and drives the bind and
// authorization flows from the chat side.
type Dispatcher struct {
	sender  Sender
	binds   *binding.Service
	oauth   *oauth2.Service
	limiter *ratelimit.Limiter
	cfg     DispatcherConfig
}

// NewDispatcher creates a new command dispatcher. limiter may be nil
// to disable command throttling.
func NewDispatcher(sender Sender, binds *binding.Service, oauth *oauth2.Service, limiter *ratelimit.Limiter, cfg DispatcherConfig) *Dispatcher {
	if cfg.Prefix == "" {
		cfg.Prefix = "/sso"
	}
	return &Dispatcher{
		sender:  sender,
		binds:   binds,
		oauth:   oauth,
		limiter: limiter,
		cfg:     cfg,
	}
}

// allow checks the per-UIN allowance for a throttled command.
func (d *Dispatcher) allow(bucket string, uin int64) bool {
	if d.limiter == nil {
		return true
	}
	ok, _ := d.limiter.Allow(bucket, strconv.FormatInt(uin, 10))
	return ok
}

// HandleEvent implements EventHandler. Panics and errors stay inside
// the handler; the frame reader is never affected.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev *Event) {
	if ev.PostType != "message" {
		return
	}

	text := strings.TrimSpace(ev.PlainText())
	if !strings.HasPrefix(text, d.cfg.Prefix) {
		return
	}

	if ev.IsGroup() && len(d.cfg.AllowedGroups) > 0 && !d.groupAllowed(ev.GroupID) {
		return
	}

	rest := strings.TrimSpace(strings.TrimPrefix(text, d.cfg.Prefix))
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		d.reply(ctx, ev, d.helpText())
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	defer func() {
		if r := recover(); r != nil {
			slog.Error("bot command panicked",
				logger.Component("dispatcher"),
				logger.String("command", cmd),
				logger.Uin(ev.UserID),
				slog.Any("panic", r))
			d.reply(ctx, ev, "Something went wrong handling that command. Please try again.")
		}
	}()

	var err error
	switch cmd {
	case "bind":
		err = d.handleBind(ctx, ev, args)
	case "unbind":
		err = d.handleUnbind(ctx, ev, args)
	case "auth":
		err = d.handleAuth(ctx, ev, args)
	case "cancel":
		err = d.handleCancel(ctx, ev)
	case "status":
		err = d.handleStatus(ctx, ev)
	case "help":
		d.reply(ctx, ev, d.helpText())
	default:
		d.reply(ctx, ev, fmt.Sprintf("Unknown command %q. Send %s help for usage.", cmd, d.cfg.Prefix))
	}

	if err != nil {
		slog.Error("bot command failed",
			logger.Component("dispatcher"),
			logger.String("command", cmd),
			logger.Uin(ev.UserID),
			logger.Error(err))
		d.reply(ctx, ev, "Something went wrong handling that command. Please try again.")
	}
}

func (d *Dispatcher) groupAllowed(groupID int64) bool {
	for _, g := range d.cfg.AllowedGroups {
		if g == groupID {
			return true
		}
	}
	return false
}

func (d *Dispatcher) handleBind(ctx context.Context, ev *Event, args []string) error {
	if len(args) != 1 {
		d.reply(ctx, ev, fmt.Sprintf("Usage: %s bind <username>", d.cfg.Prefix))
		return nil
	}

	if !d.allow(ratelimit.BucketBind, ev.UserID) {
		d.reply(ctx, ev, "Too many bind attempts. Wait a minute and try again.")
		return nil
	}

	sourceType, sourceID := eventSource(ev)
	authURL, err := d.binds.StartBind(ctx, ev.UserID, args[0], sourceType, sourceID)
	switch {
	case errors.Is(err, binding.ErrUinAlreadyBound):
		d.reply(ctx, ev, "You already have an active binding. Unbind first if you want to rebind.")
		return nil
	case err != nil:
		return err
	}

	d.reply(ctx, ev, fmt.Sprintf("Open this link to bind your %s account (valid for a few minutes):\n%s",
		d.cfg.ProviderName, authURL))
	return nil
}

func (d *Dispatcher) handleUnbind(ctx context.Context, ev *Event, args []string) error {
	if len(args) == 1 && strings.EqualFold(args[0], "confirm") {
		return d.handleUnbindConfirm(ctx, ev)
	}
	if len(args) != 1 {
		d.reply(ctx, ev, fmt.Sprintf("Usage: %s unbind <username>", d.cfg.Prefix))
		return nil
	}

	sourceType, sourceID := eventSource(ev)
	_, err := d.binds.StartUnbind(ctx, ev.UserID, args[0], sourceType, sourceID)
	switch {
	case errors.Is(err, binding.ErrBindUserNotFound):
		d.reply(ctx, ev, "You are not bound.")
		return nil
	case errors.Is(err, binding.ErrUsernameMismatch):
		d.reply(ctx, ev, "That username does not match your binding.")
		return nil
	case err != nil:
		return err
	}

	d.reply(ctx, ev, fmt.Sprintf("Send %s unbind confirm within 5 minutes to remove the binding, or %s cancel to keep it.",
		d.cfg.Prefix, d.cfg.Prefix))
	return nil
}

func (d *Dispatcher) handleUnbindConfirm(ctx context.Context, ev *Event) error {
	user, err := d.binds.ConfirmUnbind(ctx, ev.UserID)
	switch {
	case errors.Is(err, binding.ErrNoPendingUnbind):
		d.reply(ctx, ev, fmt.Sprintf("No unbind request to confirm. Start one with %s unbind <username>.", d.cfg.Prefix))
		return nil
	case errors.Is(err, binding.ErrBindUserNotFound):
		d.reply(ctx, ev, "You are not bound.")
		return nil
	case err != nil:
		return err
	}

	d.reply(ctx, ev, fmt.Sprintf("Binding to %s removed.", displayName(user)))
	return nil
}

func (d *Dispatcher) handleAuth(ctx context.Context, ev *Event, args []string) error {
	if len(args) != 1 {
		d.reply(ctx, ev, fmt.Sprintf("Usage: %s auth <verification code>", d.cfg.Prefix))
		return nil
	}

	if !d.allow(ratelimit.BucketAuthCode, ev.UserID) {
		d.reply(ctx, ev, "Too many attempts. Wait a minute and try again.")
		return nil
	}

	user, err := d.binds.Status(ctx, ev.UserID)
	if err != nil {
		d.reply(ctx, ev, fmt.Sprintf("You must bind an account first. Send %s bind <username>.", d.cfg.Prefix))
		return nil
	}

	pending, err := d.oauth.ClaimAndApprove(ctx, args[0], user)
	switch {
	case errors.Is(err, oauth2.ErrPendingAuthNotFound):
		d.reply(ctx, ev, "That verification code is invalid or expired.")
		return nil
	case errors.Is(err, oauth2.ErrAlreadyClaimed):
		d.reply(ctx, ev, "That authorization request is not yours.")
		return nil
	case err != nil:
		return err
	}

	clientName := pending.ClientID
	if client, cerr := d.oauth.ClientByID(pending.ClientID); cerr == nil {
		clientName = client.Name
	}
	scope := pending.Scope
	if scope == "" {
		scope = "(default)"
	}
	d.reply(ctx, ev, fmt.Sprintf("Approved %s for scope: %s. You can return to the application.", clientName, scope))
	return nil
}

func (d *Dispatcher) handleCancel(ctx context.Context, ev *Event) error {
	err := d.binds.CancelUnbind(ctx, ev.UserID)
	if errors.Is(err, binding.ErrNoPendingUnbind) {
		d.reply(ctx, ev, "Nothing to cancel.")
		return nil
	}
	if err != nil {
		return err
	}
	d.reply(ctx, ev, "Unbind request cancelled.")
	return nil
}

func (d *Dispatcher) handleStatus(ctx context.Context, ev *Event) error {
	user, err := d.binds.Status(ctx, ev.UserID)
	if errors.Is(err, binding.ErrBindUserNotFound) {
		d.reply(ctx, ev, "Not bound.")
		return nil
	}
	if err != nil {
		return err
	}
	d.reply(ctx, ev, fmt.Sprintf("Bound to %s since %s.", displayName(user), user.BindTime.Format(time.DateOnly)))
	return nil
}

func (d *Dispatcher) helpText() string {
	p := d.cfg.Prefix
	return strings.Join([]string{
		"Commands:",
		fmt.Sprintf("%s bind <username> - link your %s account", p, d.cfg.ProviderName),
		fmt.Sprintf("%s unbind <username> - request unbinding", p),
		fmt.Sprintf("%s unbind confirm - confirm a pending unbind", p),
		fmt.Sprintf("%s auth <code> - approve a sign-in request", p),
		fmt.Sprintf("%s cancel - cancel a pending unbind", p),
		fmt.Sprintf("%s status - show your binding", p),
		fmt.Sprintf("%s help - this message", p),
	}, "\n")
}

// reply routes the answer back to where the command came from. Group
// replies mention the originator.
func (d *Dispatcher) reply(ctx context.Context, ev *Event, text string) {
	var err error
	if ev.IsGroup() {
		err = d.sender.SendGroupMsg(ctx, ev.GroupID, Mention(ev.UserID)+text)
	} else {
		err = d.sender.SendPrivateMsg(ctx, ev.UserID, text)
	}
	if err != nil {
		slog.Warn("bot reply failed", logger.Component("dispatcher"), logger.Uin(ev.UserID), logger.Error(err))
	}
}

func eventSource(ev *Event) (string, int64) {
	if ev.IsGroup() {
		return "group", ev.GroupID
	}
	return "private", ev.UserID
}

func displayName(user *binding.BindUser) string {
	if user.PreferredUsername != "" {
		return user.PreferredUsername
	}
	if user.Email != "" {
		return user.Email
	}
	return user.Sub
}
