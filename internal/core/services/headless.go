package services

import (
	"image"
	"log/slog"
)

// HeadlessNotifier stands in for the chat surface when no Discord token is
// configured: results are logged and dropped, typing is a no-op. The rest
// of the pipeline keeps running, which is what integration tests rely on.
type HeadlessNotifier struct {
	logger *slog.Logger
}

func NewHeadlessNotifier(logger *slog.Logger) *HeadlessNotifier {
	return &HeadlessNotifier{logger: logger}
}

func (n *HeadlessNotifier) Succeeded(handle string, images []image.Image, spoiler bool) {
	n.logger.Info("dropping result, no chat surface", "handle", handle, "images", len(images))
}

func (n *HeadlessNotifier) Failed(handle string, reason string) {
	n.logger.Info("dropping failure, no chat surface", "handle", handle, "reason", reason)
}

func (n *HeadlessNotifier) BeginTyping(channelID string) {}

func (n *HeadlessNotifier) EndTyping(channelID string) {}
