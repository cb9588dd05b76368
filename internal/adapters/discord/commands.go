package discord

import (
	"github.com/bwmarrin/discordgo"

	"github.com/manthysbr/easel/internal/core/domain"
)

// maxChoices is Discord's cap on enum choices per option.
const maxChoices = 25

func (b *Bot) commands() []*discordgo.ApplicationCommand {
	usageChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(b.catalog.Docs))
	for name := range b.catalog.Docs {
		usageChoices = append(usageChoices, &discordgo.ApplicationCommandOptionChoice{
			Name: name, Value: name,
		})
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        "txt2img",
			Description: "generate images from text with stable diffusion",
			Options: append([]*discordgo.ApplicationCommandOption{
				requiredString("prompt", domain.PromptDesc),
				optionalString("negative_prompt", domain.NegPromptDesc),
				optionalInt("batch_size", domain.BatchSizeDesc, 1, 4),
				optionalBool("skip_prefixes", "Do not add prefixes to prompt and negative prompt. Overrides skip_prefix and skip_neg_prefix"),
				optionalBool("skip_prefix", "Do not add prefix to prompt"),
				optionalBool("skip_neg_prefix", "Do not add negative prefix to prompt"),
				optionalBool("add_booru_tags", "Use LLM to add booru tags to your prompt"),
			}, tableOptions(b.params.Txt2Img)...),
		},
		{
			Name:        "img2img",
			Description: "generate images using image as base with stable diffusion",
			Options: append([]*discordgo.ApplicationCommandOption{
				requiredString("prompt", domain.PromptDesc),
				optionalString("negative_prompt", domain.NegPromptDesc),
				optionalInt("batch_size", domain.BatchSizeDesc, 1, 4),
				optionalBool("skip_prefixes", "Do not add prefixes to prompt and negative prompt. Overrides skip_prefix and skip_neg_prefix"),
				optionalBool("skip_prefix", "Do not add prefix to prompt"),
				optionalBool("skip_neg_prefix", "Do not add negative prefix to prompt"),
				{
					Type:        discordgo.ApplicationCommandOptionAttachment,
					Name:        "image",
					Description: "Image for img2img, overrides image_url (will use denoising strength)",
				},
				optionalString("image_url", "Image url for img2img (will use denoising strength)"),
			}, tableOptions(b.params.Img2Img)...),
		},
		{
			Name:        "again",
			Description: "Redo a txt2img or img2img, overriding previous values with given values.",
			Options: append([]*discordgo.ApplicationCommandOption{
				requiredString("message_id_or_content", "Message ID (or content) of previous content to AGAIN with"),
				optionalString("prompt", domain.PromptDesc),
				optionalString("negative_prompt", domain.NegPromptDesc),
				optionalInt("batch_size", domain.BatchSizeDesc, 1, 4),
				{
					Type:        discordgo.ApplicationCommandOptionAttachment,
					Name:        "image",
					Description: "Image for img2img, overrides image_url (will use denoising strength)",
				},
				optionalString("image_url", "Image url for img2img (will use denoising strength)"),
			}, tableOptions(b.params.Again)...),
		},
		{
			Name:        "get_preferences",
			Description: "Retrieves users preferences",
		},
		{
			Name:        "set_preferences",
			Description: "Set users default preferences",
			Options:     tableOptions(b.params.All),
		},
		{
			Name:        "info",
			Description: "Information related commands",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "models",
					Description: "Get list of supported stable diffusion models",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "vaes",
					Description: "Get list of supported vaes",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "loras",
					Description: "Get list of supported loras and their trigger word(s)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "embeddings",
					Description: "Get list of supported embeddings and their trigger word(s)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "usage",
					Description: "Get detailed usage info about a command.",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "command_name",
							Description: "which command to get documentation for",
							Required:    true,
							Choices:     usageChoices,
						},
					},
				},
			},
		},
		{
			Name:        "ping",
			Description: "Check that the bot is alive",
		},
	}
}

// tableOptions maps a parameter table onto Discord slash-command options,
// preserving declaration order.
func tableOptions(table domain.Params) []*discordgo.ApplicationCommandOption {
	options := make([]*discordgo.ApplicationCommandOption, 0, len(table.Names()))
	for _, name := range table.Names() {
		spec, _ := table.Spec(name)
		opt := &discordgo.ApplicationCommandOption{
			Name:        name,
			Description: spec.Desc,
		}
		switch spec.Kind {
		case domain.KindString:
			opt.Type = discordgo.ApplicationCommandOptionString
			for i, v := range spec.Supported {
				if i == maxChoices {
					break
				}
				opt.Choices = append(opt.Choices, &discordgo.ApplicationCommandOptionChoice{
					Name: v, Value: v,
				})
			}
		case domain.KindInt:
			opt.Type = discordgo.ApplicationCommandOptionInteger
			min := spec.Min
			opt.MinValue = &min
			opt.MaxValue = spec.Max
		case domain.KindFloat:
			opt.Type = discordgo.ApplicationCommandOptionNumber
			min := spec.Min
			opt.MinValue = &min
			opt.MaxValue = spec.Max
		case domain.KindBool:
			opt.Type = discordgo.ApplicationCommandOptionBoolean
		}
		options = append(options, opt)
	}
	return options
}

func requiredString(name, desc string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        name,
		Description: desc,
		Required:    true,
	}
}

func optionalString(name, desc string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        name,
		Description: desc,
	}
}

func optionalInt(name, desc string, min, max float64) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionInteger,
		Name:        name,
		Description: desc,
		MinValue:    &min,
		MaxValue:    max,
	}
}

func optionalBool(name, desc string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionBoolean,
		Name:        name,
		Description: desc,
	}
}
