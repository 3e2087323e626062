package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/pkg/logger"
)

type capture struct {
	subject string
	data    []byte
	err     error
}

func (c *capture) Publish(_ context.Context, subject string, data []byte) error {
	c.subject, c.data = subject, data
	return c.err
}

func TestPublishApprovalRequired(t *testing.T) {
	nc := &capture{}
	p := NewNotificationPublisher(nc, "https://approvals.example.com/", logger.Nop().Logger)

	require.NoError(t, p.PublishApprovalRequired(context.Background(), "req-1", "Finance", "u7", "tok123"))
	assert.Equal(t, "notifications.approvals.approval_required", nc.subject)

	var ev NotificationEvent
	require.NoError(t, json.Unmarshal(nc.data, &ev))
	assert.Equal(t, []string{"u7"}, ev.Recipients)
	assert.Equal(t, "https://approvals.example.com/approval/tok123", ev.ActionURL)
	assert.True(t, ev.IsActionable)
	assert.Equal(t, "Finance", ev.Payload["step_name"])
}

func TestPublishRequestUpdate(t *testing.T) {
	nc := &capture{}
	p := NewNotificationPublisher(nc, "http://localhost", logger.Nop().Logger)

	require.NoError(t, p.PublishRequestUpdate(context.Background(), "req-1", "emp", "rejected", "budget"))
	assert.Equal(t, "notifications.approvals.request_rejected", nc.subject)

	var ev NotificationEvent
	require.NoError(t, json.Unmarshal(nc.data, &ev))
	assert.Equal(t, "warning", ev.Severity)
	assert.Equal(t, "budget", ev.Payload["message"])
	assert.Empty(t, ev.ActionURL)
}

func TestPublish_ErrorsAreReturned(t *testing.T) {
	nc := &capture{err: errors.New("nats down")}
	p := NewNotificationPublisher(nc, "", logger.Nop().Logger)
	assert.Error(t, p.PublishRequestUpdate(context.Background(), "r", "emp", "approved", ""))

	// no recipient, nothing to send
	nc.err = nil
	nc.subject = ""
	require.NoError(t, p.PublishApprovalRequired(context.Background(), "r", "s", "", ""))
	assert.Empty(t, nc.subject)
}
