package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Publisher is the part of natsclient.Client the publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher publishes approval workflow events to NATS for the
// notifications service.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: approval_required, request_approved, request_rejected,
//
//	request_forwarded, request_rolled_back, request_cancelled,
//	request_delivered, request_delayed
//
// Unlike the synchronous path, errors are returned: publishing runs inside a
// queue task and a failed publish is retried by the queue.
type NotificationPublisher struct {
	nats    Publisher
	baseURL string
	log     zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id,omitempty"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	ActionURL    string         `json:"action_url,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
// baseURL prefixes approval links.
func NewNotificationPublisher(nats Publisher, baseURL string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, baseURL: strings.TrimRight(baseURL, "/"), log: log}
}

// ApprovalLink is the portal URL for a token.
func (p *NotificationPublisher) ApprovalLink(tokenID string) string {
	return fmt.Sprintf("%s/approval/%s", p.baseURL, tokenID)
}

// PublishApprovalRequired tells an approver a step awaits them. tokenID is
// empty for steps without single-use links.
func (p *NotificationPublisher) PublishApprovalRequired(ctx context.Context, requestID, stepName, approverID, tokenID string) error {
	event := &NotificationEvent{
		EventType:    "approval_required",
		Recipients:   []string{approverID},
		ResourceType: "approval_request",
		ResourceID:   requestID,
		IsActionable: true,
		Severity:     "info",
		Category:     "approvals",
		Payload:      map[string]any{"step_name": stepName},
	}
	if tokenID != "" {
		event.ActionURL = p.ApprovalLink(tokenID)
	}
	return p.publish(ctx, event)
}

// PublishRequestUpdate tells the requester their request moved.
func (p *NotificationPublisher) PublishRequestUpdate(ctx context.Context, requestID, requesterID, kind, message string) error {
	severity := "info"
	if kind == "rejected" || kind == "cancelled" {
		severity = "warning"
	}
	event := &NotificationEvent{
		EventType:    "request_" + kind,
		Recipients:   []string{requesterID},
		ResourceType: "approval_request",
		ResourceID:   requestID,
		Severity:     severity,
		Category:     "approvals",
	}
	if message != "" {
		event.Payload = map[string]any{"message": message}
	}
	return p.publish(ctx, event)
}

func (p *NotificationPublisher) publish(ctx context.Context, event *NotificationEvent) error {
	if p.nats == nil || len(event.Recipients) == 0 || event.Recipients[0] == "" {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event.EventType, err)
	}

	subject := fmt.Sprintf("notifications.approvals.%s", event.EventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", event.ResourceID).
			Msg("notification: failed to publish NATS event")
		return err
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", event.ResourceID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
	return nil
}
