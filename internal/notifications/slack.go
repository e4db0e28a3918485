package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// SlackChannel posts notifications to a Slack incoming webhook
type SlackChannel struct {
	webhookURL string
	appURL     string
}

// NewSlackChannel creates a Slack delivery channel. appURL prefixes links to
// job downloads and may be empty.
func NewSlackChannel(webhookURL, appURL string) (*SlackChannel, error) {
	if webhookURL == "" {
		return nil, errors.New("slack webhook URL is required")
	}
	return &SlackChannel{
		webhookURL: webhookURL,
		appURL:     strings.TrimRight(appURL, "/"),
	}, nil
}

// Name returns the channel name
func (c *SlackChannel) Name() string {
	return "slack"
}

// Deliver sends a notification to Slack
func (c *SlackChannel) Deliver(ctx context.Context, n *Notification) error {
	blocks := c.buildMessageBlocks(n)
	msg := &slack.WebhookMessage{
		Text:   fmt.Sprintf("%s: %s", n.Title, n.Message),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
	if err := slack.PostWebhookContext(ctx, c.webhookURL, msg); err != nil {
		return fmt.Errorf("failed to post Slack webhook: %w", err)
	}
	return nil
}

func (c *SlackChannel) buildMessageBlocks(n *Notification) []slack.Block {
	var emoji string
	switch n.Type {
	case TypeJobComplete:
		emoji = ":white_check_mark:"
	case TypeJobFailed:
		emoji = ":x:"
	case TypeJobCancelled:
		emoji = ":no_entry_sign:"
	default:
		emoji = ":bell:"
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(
				"mrkdwn",
				fmt.Sprintf("%s *%s*", emoji, n.Title),
				false,
				false,
			),
			nil,
			nil,
		),
	}

	if n.Message != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", n.Message, false, false),
			nil,
			nil,
		))
	}

	blocks = append(blocks, slack.NewContextBlock(
		"",
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Job `%s`", n.JobID), false, false),
	))

	if path, ok := n.Data["download_path"].(string); ok && path != "" && c.appURL != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(
				"mrkdwn",
				fmt.Sprintf("<%s%s|Download results>", c.appURL, path),
				false,
				false,
			),
			nil,
			nil,
		))
	}

	return blocks
}
