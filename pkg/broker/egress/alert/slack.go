// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package alert

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackChannel posts alerts to a Slack channel via a bot token, the same
// delivery shape as the teacher's notification Slack service.
type SlackChannel struct {
	client    *slack.Client
	channelID string
}

// NewSlackChannel builds a SlackChannel posting to channelID with token.
func NewSlackChannel(token, channelID string) *SlackChannel {
	return &SlackChannel{client: slack.New(token), channelID: channelID}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Deliver(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf("*[%s]* %s", alert.Kind, alert.Message)
	_, _, err := s.client.PostMessageContext(ctx, s.channelID, slack.MsgOptionText(text, false))
	return err
}
