package main

import (
	"context"

	"github.com/google/uuid"

	"taskbroker/pkg/logx"
)

// stubChatPoster implements notifier.ChatPoster by logging every call
// instead of reaching a real chat workspace. A deployment wires a real
// Slack/Discord client satisfying the same interface in its place.
type stubChatPoster struct {
	logger *logx.Logger
}

func newStubChatPoster() *stubChatPoster {
	return &stubChatPoster{logger: logx.NewLogger("chatstub")}
}

func (p *stubChatPoster) PostMessage(_ context.Context, channelID, threadTs, text string) (string, error) {
	id := uuid.NewString()
	p.logger.Info("[chat %s/%s] post %s: %s", channelID, threadTs, id, truncate(text))
	return id, nil
}

func (p *stubChatPoster) EditMessage(_ context.Context, channelID, messageID, text string) error {
	p.logger.Info("[chat %s] edit %s: %s", channelID, messageID, truncate(text))
	return nil
}

func (p *stubChatPoster) PostBlocks(_ context.Context, channelID, threadTs string, blocks []byte) (string, error) {
	id := uuid.NewString()
	p.logger.Info("[chat %s/%s] post blocks %s: %d bytes", channelID, threadTs, id, len(blocks))
	return id, nil
}

func (p *stubChatPoster) PostEphemeral(_ context.Context, channelID, userID, text string) error {
	p.logger.Info("[chat %s] ephemeral to %s: %s", channelID, userID, truncate(text))
	return nil
}

func (p *stubChatPoster) UploadFile(_ context.Context, channelID, threadTs, filename string, data []byte) error {
	p.logger.Info("[chat %s/%s] upload %s: %d bytes", channelID, threadTs, filename, len(data))
	return nil
}

func (p *stubChatPoster) AddReaction(_ context.Context, channelID, messageID, emoji string) error {
	p.logger.Debug("[chat %s] +:%s: on %s", channelID, emoji, messageID)
	return nil
}

func (p *stubChatPoster) RemoveReaction(_ context.Context, channelID, messageID, emoji string) error {
	p.logger.Debug("[chat %s] -:%s: on %s", channelID, emoji, messageID)
	return nil
}

func truncate(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
