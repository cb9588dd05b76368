package discord

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/disintegration/imaging"
	"github.com/joeycumines/go-catrate"

	appconfig "github.com/manthysbr/easel/internal/config"
	"github.com/manthysbr/easel/internal/core/domain"
	"github.com/manthysbr/easel/internal/core/services"
)

// typingKeepalive is how often the typing indicator is re-sent; Discord
// drops it after roughly ten seconds of silence.
const typingKeepalive = 8 * time.Second

// Bot is the chat surface: it registers the slash commands, feeds accepted
// requests into admission and carries results back as replies. It also
// implements the Typist and Notifier ports, so the in-flight registry and
// the result dispatcher talk to Discord through it.
type Bot struct {
	logger    *slog.Logger
	session   *discordgo.Session
	cfg       *appconfig.Config
	params    domain.ParamSet
	prefs     *appconfig.Preferences
	catalog   *appconfig.Catalog
	admission *services.Admission
	limiter   *catrate.Limiter

	mu      sync.Mutex
	pending map[string]*discordgo.Interaction
	typing  map[string]chan struct{}
}

// NewBot builds the adapter around an authenticated session token. The
// admission service is wired afterwards with SetAdmission, because it in
// turn depends on this bot's typing indicator.
func NewBot(logger *slog.Logger, token string, cfg *appconfig.Config, params domain.ParamSet,
	prefs *appconfig.Preferences, catalog *appconfig.Catalog) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	b := &Bot{
		logger:  logger,
		session: session,
		cfg:     cfg,
		params:  params,
		prefs:   prefs,
		catalog: catalog,
		// one action per second per user
		limiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
		pending: map[string]*discordgo.Interaction{},
		typing:  map[string]chan struct{}{},
	}
	session.AddHandler(b.onInteraction)
	return b, nil
}

// SetAdmission completes the wiring; must happen before Run.
func (b *Bot) SetAdmission(a *services.Admission) {
	b.admission = a
}

// Run opens the gateway connection, publishes the command set and serves
// interactions until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	defer b.session.Close()

	appID := b.session.State.User.ID
	if _, err := b.session.ApplicationCommandBulkOverwrite(appID, "", b.commands()); err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	b.logger.Info("discord adapter ready", "user", b.session.State.User.Username)

	<-ctx.Done()
	return nil
}

// BeginTyping starts the per-channel typing keepalive loop.
func (b *Bot) BeginTyping(channelID string) {
	stop := make(chan struct{})
	b.mu.Lock()
	if _, running := b.typing[channelID]; running {
		b.mu.Unlock()
		close(stop)
		return
	}
	b.typing[channelID] = stop
	b.mu.Unlock()

	go func() {
		for {
			if err := b.session.ChannelTyping(channelID); err != nil {
				b.logger.Warn("typing indicator failed", "channel", channelID, "error", err)
			}
			select {
			case <-stop:
				return
			case <-time.After(typingKeepalive):
			}
		}
	}()
}

// EndTyping stops the keepalive loop; the indicator then times out on
// Discord's side.
func (b *Bot) EndTyping(channelID string) {
	b.mu.Lock()
	stop, ok := b.typing[channelID]
	delete(b.typing, channelID)
	b.mu.Unlock()
	if ok {
		close(stop)
	}
}

// Succeeded delivers generated images as a follow-up to the acknowledged
// interaction.
func (b *Bot) Succeeded(handle string, images []image.Image, spoiler bool) {
	interaction, ok := b.takePending(handle)
	if !ok {
		b.logger.Error("no interaction recorded for handle", "handle", handle)
		return
	}

	name := "ai_img.png"
	if spoiler {
		name = "SPOILER_ai_image.png"
	}

	files := make([]*discordgo.File, 0, len(images))
	for _, img := range images {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			b.logger.Error("failed to encode result image", "handle", handle, "error", err)
			continue
		}
		files = append(files, &discordgo.File{
			Name:        name,
			ContentType: "image/png",
			Reader:      &buf,
		})
	}

	mention := ""
	if interaction.Member != nil && interaction.Member.User != nil {
		mention = interaction.Member.User.Mention()
	} else if interaction.User != nil {
		mention = interaction.User.Mention()
	}

	if _, err := b.session.FollowupMessageCreate(interaction, true, &discordgo.WebhookParams{
		Content: mention,
		Files:   files,
	}); err != nil {
		b.logger.Error("failed to deliver images", "handle", handle, "error", err)
	}
}

// Failed reports a terminal per-request failure back to the caller.
func (b *Bot) Failed(handle string, reason string) {
	interaction, ok := b.takePending(handle)
	if !ok {
		b.logger.Error("no interaction recorded for handle", "handle", handle)
		return
	}
	if _, err := b.session.FollowupMessageCreate(interaction, true, &discordgo.WebhookParams{
		Content: "Error handling request. Reason: " + reason,
	}); err != nil {
		b.logger.Error("failed to deliver error", "handle", handle, "error", err)
	}
}

func (b *Bot) recordPending(handle string, interaction *discordgo.Interaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[handle] = interaction
}

func (b *Bot) takePending(handle string) (*discordgo.Interaction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	interaction, ok := b.pending[handle]
	delete(b.pending, handle)
	return interaction, ok
}
