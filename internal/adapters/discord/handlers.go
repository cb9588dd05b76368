package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/manthysbr/easel/internal/core/domain"
	"github.com/manthysbr/easel/internal/core/services"
)

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	userID := interactionUserID(i)
	if retry, ok := b.limiter.Allow(userID); !ok {
		wait := time.Until(retry).Round(time.Second)
		b.respondEphemeral(i, fmt.Sprintf("command is on cooldown, retry in %s", wait))
		return
	}

	if !b.cfg.IsSupported(i.ChannelID, b.categoryID(i.ChannelID), i.GuildID) {
		b.respondEphemeral(i, "Unsupported channel")
		return
	}

	data := i.ApplicationCommandData()
	switch data.Name {
	case "txt2img", "img2img":
		b.handleGenerate(i, data)
	case "again":
		b.handleAgain(i, data)
	case "get_preferences":
		b.handleGetPreferences(i)
	case "set_preferences":
		b.handleSetPreferences(i, data)
	case "info":
		b.handleInfo(i, data)
	case "ping":
		b.respond(i, fmt.Sprintf("pong (gateway latency %s)", b.session.HeartbeatLatency().Round(time.Millisecond)))
	default:
		b.logger.Warn("unknown command", "command", data.Name)
	}
}

func (b *Bot) handleGenerate(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	table := b.params.Txt2Img
	if data.Name == "img2img" {
		table = b.params.Img2Img
	}

	req := services.GenRequest{
		UserID:     interactionUserID(i),
		ChannelID:  i.ChannelID,
		CategoryID: b.categoryID(i.ChannelID),
		GuildID:    i.GuildID,
		Values:     domain.Values{},
	}
	var skipBoth bool
	for _, opt := range data.Options {
		switch opt.Name {
		case "prompt":
			req.Prompt = opt.StringValue()
		case "negative_prompt":
			req.NegPrompt = opt.StringValue()
		case "batch_size":
			n := int(opt.IntValue())
			req.BatchSize = &n
		case "skip_prefixes":
			skipBoth = opt.BoolValue()
		case "skip_prefix":
			req.SkipPrefix = req.SkipPrefix || opt.BoolValue()
		case "skip_neg_prefix":
			req.SkipNegPrefix = req.SkipNegPrefix || opt.BoolValue()
		case "add_booru_tags":
			req.AddBooruTags = opt.BoolValue()
		case "image":
			if att := resolveAttachment(data, opt); att != nil {
				req.ImageURL = att.URL
			}
		case "image_url":
			if req.ImageURL == "" {
				req.ImageURL = opt.StringValue()
			}
		default:
			setTableValue(table, req.Values, opt)
		}
	}
	if skipBoth {
		req.SkipPrefix = true
		req.SkipNegPrefix = true
	}

	if data.Name == "img2img" && req.ImageURL == "" {
		b.respond(i, "img2img requires an image input")
		return
	}

	b.submit(i, req)
}

func (b *Bot) handleAgain(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if !b.deferReply(i) {
		return
	}

	var source string
	for _, opt := range data.Options {
		if opt.Name == "message_id_or_content" {
			source = opt.StringValue()
		}
	}

	text, err := b.resolveAckText(i.ChannelID, source)
	if err != nil {
		b.editResponse(i, "Could not find source message")
		return
	}

	values, err := domain.ParseAck(text, b.params.Again)
	if err != nil {
		b.editResponse(i, "Could not parse message")
		return
	}

	req := services.GenRequest{
		UserID:     interactionUserID(i),
		ChannelID:  i.ChannelID,
		CategoryID: b.categoryID(i.ChannelID),
		GuildID:    i.GuildID,
		Values:     values,
		// the recovered prompt already carries its prefixes
		SkipPrefix:    true,
		SkipNegPrefix: true,
	}
	req.Prompt, _ = values.Str(domain.ParamPrompt)
	req.NegPrompt, _ = values.Str(domain.ParamNegPrompt)
	if n, ok := values.Int(domain.ParamBatchSize); ok {
		req.BatchSize = &n
	}
	req.ImageURL, _ = values.Str(domain.ParamImageURL)
	delete(values, domain.ParamPrompt)
	delete(values, domain.ParamNegPrompt)
	delete(values, domain.ParamBatchSize)
	delete(values, domain.ParamImageURL)

	// explicit options override whatever the old message said
	for _, opt := range data.Options {
		switch opt.Name {
		case "message_id_or_content":
		case "prompt":
			req.Prompt = opt.StringValue()
		case "negative_prompt":
			req.NegPrompt = opt.StringValue()
		case "batch_size":
			n := int(opt.IntValue())
			req.BatchSize = &n
		case "image":
			if att := resolveAttachment(data, opt); att != nil {
				req.ImageURL = att.URL
			}
		case "image_url":
			if req.ImageURL == "" {
				req.ImageURL = opt.StringValue()
			}
		default:
			setTableValue(b.params.Again, req.Values, opt)
		}
	}

	b.submitDeferred(i, req)
}

// resolveAckText turns the "again" source argument into ack text: a numeric
// message id is fetched from the channel, following at most one reply
// reference; anything else is treated as the raw ack content.
func (b *Bot) resolveAckText(channelID, source string) (string, error) {
	if !isSnowflake(source) {
		return source, nil
	}
	msg, err := b.session.ChannelMessage(channelID, source)
	if err != nil {
		return "", fmt.Errorf("fetch message %s: %w", source, err)
	}
	if msg.MessageReference != nil {
		if msg, err = b.session.ChannelMessage(channelID, msg.MessageReference.MessageID); err != nil {
			return "", fmt.Errorf("fetch referenced message: %w", err)
		}
	}
	return msg.Content, nil
}

// submit defers the interaction and runs admission, editing the deferred
// reply with the ack or the rejection.
func (b *Bot) submit(i *discordgo.InteractionCreate, req services.GenRequest) {
	if !b.deferReply(i) {
		return
	}
	b.submitDeferred(i, req)
}

func (b *Bot) submitDeferred(i *discordgo.InteractionCreate, req services.GenRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ack, err := b.admission.Submit(ctx, req)
	if err != nil {
		b.editResponse(i, rejectionMessage(err))
		return
	}
	b.recordPending(ack.Handle, i.Interaction)

	edit := &discordgo.WebhookEdit{Content: &ack.Message}
	if req.ImageURL != "" {
		edit.Embeds = &[]*discordgo.MessageEmbed{
			{Image: &discordgo.MessageEmbedImage{URL: req.ImageURL}},
		}
	}
	if _, err := b.session.InteractionResponseEdit(i.Interaction, edit); err != nil {
		b.logger.Error("failed to send ack", "handle", ack.Handle, "error", err)
	}
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnsupportedSurface):
		return "Unsupported channel"
	case errors.Is(err, domain.ErrInFlightExceeded):
		return "Maximum in flight generations hit, please wait until some of your generations finish"
	case errors.Is(err, domain.ErrQueueFull):
		return "Work queue is at maximum size, please wait before making your next request"
	case errors.Is(err, domain.ErrBadImage):
		return "Unable to retrieve image (bad file type or image no longer exists)"
	case errors.Is(err, domain.ErrOOMPredicted):
		return "Parameters described will use too much VRAM, please reduce load and try again."
	default:
		return "Error handling request"
	}
}

func (b *Bot) handleGetPreferences(i *discordgo.InteractionCreate) {
	prefs := b.prefs.All(interactionUserID(i))
	if len(prefs) == 0 {
		b.respond(i, "No default preferences")
		return
	}
	var sb strings.Builder
	sb.WriteString("Default preferences:\n")
	for _, name := range b.params.All.Names() {
		if value, ok := prefs[name]; ok {
			fmt.Fprintf(&sb, "%s: %v\n", name, value)
		}
	}
	b.respond(i, sb.String())
}

func (b *Bot) handleSetPreferences(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	userID := interactionUserID(i)
	values := domain.Values{}
	for _, opt := range data.Options {
		setTableValue(b.params.All, values, opt)
	}
	b.params.All.Validate(values)

	var sb strings.Builder
	for _, name := range b.params.All.Names() {
		if value, ok := values[name]; ok && value != nil {
			fmt.Fprintf(&sb, "Setting %s to %v\n", name, value)
			b.prefs.Set(userID, name, value)
		}
	}
	if sb.Len() == 0 {
		b.respond(i, "No preferences changed")
		return
	}
	b.respond(i, sb.String())
}

func (b *Bot) handleInfo(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]

	var sb strings.Builder
	switch sub.Name {
	case "models":
		sb.WriteString("Supported models:\n")
		for _, model := range b.cfg.Models {
			fmt.Fprintf(&sb, "\t%s\n", model)
		}
	case "vaes":
		sb.WriteString("Supported vaes:\n")
		fmt.Fprintf(&sb, "\t%s\n\t%s\n", domain.VAEAutomatic, "None")
		for _, vae := range b.cfg.VAEs {
			fmt.Fprintf(&sb, "\t%s\n", vae)
		}
	case "loras":
		sb.WriteString("Supported loras:\n")
		for _, lora := range b.catalog.Loras {
			fmt.Fprintf(&sb, "\t<lora:%s> : keyword list [%s]\n", lora.Name, strings.Join(lora.Words, ", "))
		}
	case "embeddings":
		sb.WriteString("Supported embeddings:\n")
		for _, emb := range b.catalog.Embeddings {
			fmt.Fprintf(&sb, "\t%s : keyword list [%s]\n", emb.Name, strings.Join(emb.Words, ", "))
		}
	case "usage":
		name := ""
		if len(sub.Options) > 0 {
			name = sub.Options[0].StringValue()
		}
		doc, ok := b.catalog.Docs[name]
		if !ok {
			b.respond(i, "unknown command")
			return
		}
		sb.WriteString(doc)
	}
	b.respond(i, sb.String())
}

// setTableValue stores one slash-command option into values when the name
// is declared by table.
func setTableValue(table domain.Params, values domain.Values, opt *discordgo.ApplicationCommandInteractionDataOption) {
	spec, ok := table.Spec(opt.Name)
	if !ok {
		return
	}
	switch spec.Kind {
	case domain.KindString:
		values[opt.Name] = opt.StringValue()
	case domain.KindInt:
		values[opt.Name] = int(opt.IntValue())
	case domain.KindFloat:
		values[opt.Name] = opt.FloatValue()
	case domain.KindBool:
		values[opt.Name] = opt.BoolValue()
	}
}

func resolveAttachment(data discordgo.ApplicationCommandInteractionData, opt *discordgo.ApplicationCommandInteractionDataOption) *discordgo.MessageAttachment {
	id, ok := opt.Value.(string)
	if !ok || data.Resolved == nil {
		return nil
	}
	return data.Resolved.Attachments[id]
}

func (b *Bot) deferReply(i *discordgo.InteractionCreate) bool {
	err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		b.logger.Error("failed to defer interaction", "error", err)
		return false
	}
	return true
}

func (b *Bot) respond(i *discordgo.InteractionCreate, content string) {
	err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	})
	if err != nil {
		b.logger.Error("failed to respond", "error", err)
	}
}

func (b *Bot) respondEphemeral(i *discordgo.InteractionCreate, content string) {
	err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		b.logger.Error("failed to respond", "error", err)
	}
}

func (b *Bot) editResponse(i *discordgo.InteractionCreate, content string) {
	if _, err := b.session.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content}); err != nil {
		b.logger.Error("failed to edit response", "error", err)
	}
}

// categoryID resolves the parent category of a channel, preferring the
// session's state cache over a REST call.
func (b *Bot) categoryID(channelID string) string {
	ch, err := b.session.State.Channel(channelID)
	if err != nil {
		if ch, err = b.session.Channel(channelID); err != nil {
			return ""
		}
	}
	return ch.ParentID
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
