// Package enforcement reacts to cost alarm transitions by attaching or
// detaching a deny-all-task-creation policy on the controlled principals.
//
// DESIGN: Level-triggered. The controller acts on the alarm's delivered
// value every time, so redelivered transitions are self-correcting:
// re-attaching an attached policy is a no-op at the policy boundary. The
// per-principal calls are independent best-effort; one failure never stops
// the fan-out, since the point is to cut cost exposure as broadly as
// possible even under partial infrastructure failure.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/qubitcloud/cost-guard/internal/event"
)

// PrincipalKind distinguishes the three principal namespaces.
type PrincipalKind string

const (
	KindRole  PrincipalKind = "role"
	KindGroup PrincipalKind = "group"
	KindUser  PrincipalKind = "user"
)

// Principal names one role, group or user under enforcement.
type Principal struct {
	Kind PrincipalKind
	Name string
}

// PolicyBinder attaches and detaches a managed policy on a principal.
// Implementations must treat attach-when-attached and detach-when-detached
// as successful no-ops.
type PolicyBinder interface {
	Attach(ctx context.Context, p Principal, policyARN string) error
	Detach(ctx context.Context, p Principal, policyARN string) error
}

// Notifier sends one operator-facing message. Fire-and-forget semantics;
// the subscriber list lives outside this core.
type Notifier interface {
	Publish(ctx context.Context, subject, message string) error
}

// Config lists the principals placed under enforcement and the policy to
// apply.
type Config struct {
	PolicyARN string
	Roles     []string
	Groups    []string
	Users     []string
}

// Controller applies enforcement on alarm transitions.
type Controller struct {
	binder     PolicyBinder
	notifier   Notifier
	policyARN  string
	principals []Principal
	roles      []string
	groups     []string
	users      []string
}

// NewController builds a Controller from the configured principal lists.
func NewController(binder PolicyBinder, notifier Notifier, cfg Config) *Controller {
	c := &Controller{
		binder:    binder,
		notifier:  notifier,
		policyARN: cfg.PolicyARN,
		roles:     cfg.Roles,
		groups:    cfg.Groups,
		users:     cfg.Users,
	}
	for _, r := range cfg.Roles {
		c.principals = append(c.principals, Principal{Kind: KindRole, Name: r})
	}
	for _, g := range cfg.Groups {
		c.principals = append(c.principals, Principal{Kind: KindGroup, Name: g})
	}
	for _, u := range cfg.Users {
		c.principals = append(c.principals, Principal{Kind: KindUser, Name: u})
	}
	return c
}

// OnAlarmTransition attaches the deny policy on ALARM and detaches it on
// OK, then notifies the operator. Per-principal failures are collected and
// returned joined so the invocation is visible as failed, but every
// principal is attempted and the notification is still sent.
func (c *Controller) OnAlarmTransition(ctx context.Context, ev event.AlarmTransition) error {
	switch ev.State {
	case event.StateAlarm:
		return c.apply(ctx, ev.AlarmName, "attach")
	case event.StateOK:
		return c.apply(ctx, ev.AlarmName, "detach")
	default:
		log.Debug().Str("alarm", ev.AlarmName).Str("state", string(ev.State)).
			Msg("enforcement: ignoring alarm state")
		return nil
	}
}

func (c *Controller) apply(ctx context.Context, alarmName, direction string) error {
	log.Info().Str("alarm", alarmName).Str("direction", direction).
		Str("policy", c.policyARN).Int("principals", len(c.principals)).
		Msg("enforcement: alarm action triggered")

	var failures []error
	for _, p := range c.principals {
		var err error
		if direction == "attach" {
			err = c.binder.Attach(ctx, p, c.policyARN)
		} else {
			err = c.binder.Detach(ctx, p, c.policyARN)
		}
		if err != nil {
			log.Error().Err(err).Str("policy", c.policyARN).
				Str(string(p.Kind), p.Name).Str("direction", direction).
				Msg("enforcement: policy change failed")
			failures = append(failures, fmt.Errorf("%s policy on %s %s: %w", direction, p.Kind, p.Name, err))
			continue
		}
		log.Info().Str("policy", c.policyARN).Str(string(p.Kind), p.Name).
			Str("direction", direction).Msg("enforcement: policy change applied")
	}

	subject, message := c.notification(direction)
	if err := c.notifier.Publish(ctx, subject, message); err != nil {
		failures = append(failures, fmt.Errorf("notify operator: %w", err))
	}
	return errors.Join(failures...)
}

func (c *Controller) notification(direction string) (subject, message string) {
	action := "attachment of"
	subject = "Quantum Cost Control Policy Attached"
	if direction == "detach" {
		action = "detachment of"
		subject = "Quantum Cost Control Policy Detached"
	}
	message = fmt.Sprintf(
		"A cost alarm state change triggered %s policy %s to roles [%s], groups [%s] and users [%s].",
		action,
		c.policyARN,
		strings.Join(c.roles, ","),
		strings.Join(c.groups, ","),
		strings.Join(c.users, ","),
	)
	return subject, message
}
