package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"agentguard/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Channel for Slack using Socket Mode.
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	socket   *socketmode.Client
	bus      domain.MessageBus
	logger   *slog.Logger
	botUID   string // the bot's own user ID, to avoid replying to self
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects to Slack via Socket Mode and begins listening for events.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	api := slack.New(
		s.botToken,
		slack.OptionAppLevelToken(s.appToken),
	)
	s.client = api

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)
	s.socket = socketClient

	bus.OnOutbound(s.Name(), func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		if err := s.Send(context.Background(), msg.ChatID, msg.Content); err != nil {
			s.logger.Error("slack outbound failed", "channel", msg.ChatID, "err", err)
		}
	})

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(eventsAPIEvent)

			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleSlashCommand(cmd)

			default:
				// Unacknowledged events make Socket Mode drop the connection.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) Stop() error { return nil }

func (s *Slack) Send(ctx context.Context, channelID, content string) error {
	if s.client == nil {
		return errors.New("slack: not connected")
	}
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		_, _, err := s.client.PostMessageContext(ctx,
			channelID,
			slack.MsgOptionText(chunk, false),
		)
		if err != nil {
			return fmt.Errorf("slack send: %w", err)
		}
	}
	return nil
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Skip our own posts and edits/joins.
		if ev.User == s.botUID || ev.User == "" || ev.SubType != "" {
			return
		}
		s.logger.Debug("slack message received",
			"user", ev.User,
			"channel", ev.Channel,
			"content_len", len(ev.Text),
		)
		s.bus.Publish(slackInbound(ev.Channel, ev.ChannelType, ev.User, ev.Text))

	case *slackevents.AppMentionEvent:
		content := ev.Text
		if idx := strings.Index(content, ">"); idx >= 0 {
			content = strings.TrimSpace(content[idx+1:])
		}
		s.bus.Publish(slackInbound(ev.Channel, "channel", ev.User, content))
	}
}

func (s *Slack) handleSlashCommand(cmd slack.SlashCommand) {
	s.logger.Debug("slack slash command",
		"command", cmd.Command,
		"user", cmd.UserID,
		"channel", cmd.ChannelID,
	)
	content := strings.TrimSpace(cmd.Command + " " + cmd.Text)
	s.bus.Publish(slackInbound(cmd.ChannelID, "", cmd.UserID, content))
}

// slackInbound builds the bus message. Only "im" conversations are direct;
// when the type is unknown, D-prefixed channel ids are DMs.
func slackInbound(channelID, channelType, userID, content string) domain.InboundMessage {
	direct := channelType == "im" || (channelType == "" && strings.HasPrefix(channelID, "D"))
	return domain.InboundMessage{
		Channel:   "slack",
		ChatID:    channelID,
		SenderID:  userID,
		Content:   content,
		IsGroup:   !direct,
		Timestamp: time.Now(),
	}
}
