package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// Embed colors per fill hint.
const (
	colorOpen       = 0x2ecc71
	colorAlmostFull = 0xf1c40f
	colorFull       = 0xe74c3c
)

// Discord renders rosters and delivers notifications through discordgo. It
// implements Roster, Messenger, RoleGranter and SignalSource.
type Discord struct {
	session *discordgo.Session
	// emojis maps role name to the reaction emoji used for signup; roles
	// maps back the other way.
	emojis map[string]string
	roles  map[string]string
	logger *slog.Logger
}

// NewDiscord returns a Discord adapter using the given role-emoji mapping.
func NewDiscord(session *discordgo.Session, roleEmojis map[string]string, logger *slog.Logger) *Discord {
	roles := make(map[string]string, len(roleEmojis))
	for role, emoji := range roleEmojis {
		roles[emoji] = role
	}
	return &Discord{
		session: session,
		emojis:  roleEmojis,
		roles:   roles,
		logger:  logger,
	}
}

// RoleForEmoji maps a reaction emoji back to its role name. Reaction
// handlers use it to normalize raw events into join/leave signals.
func (d *Discord) RoleForEmoji(emoji string) (string, bool) {
	role, ok := d.roles[emoji]
	return role, ok
}

// PostRoster publishes the roster embed and seeds one reaction per role so
// users can join with a single click.
func (d *Discord) PostRoster(_ context.Context, channelID string, snap Snapshot) (string, error) {
	msg, err := d.session.ChannelMessageSendEmbed(channelID, d.renderEmbed(snap))
	if err != nil {
		return "", fmt.Errorf("posting roster: %w", err)
	}
	for _, slot := range snap.Raid.Roles {
		emoji, ok := d.emojis[slot.Name]
		if !ok {
			continue
		}
		if err := d.session.MessageReactionAdd(channelID, msg.ID, emoji); err != nil {
			d.logger.Warn("failed to seed reaction",
				slog.String("role", slot.Name),
				slog.Any("error", err),
			)
		}
	}
	return msg.ID, nil
}

func (d *Discord) UpdateRoster(_ context.Context, snap Snapshot) error {
	_, err := d.session.ChannelMessageEditEmbed(snap.Raid.ChannelID, snap.Raid.MessageID, d.renderEmbed(snap))
	if err != nil {
		return fmt.Errorf("editing roster: %w", err)
	}
	return nil
}

func (d *Discord) RemoveRoster(_ context.Context, channelID, messageID string) error {
	if err := d.session.ChannelMessageDelete(channelID, messageID); err != nil {
		return fmt.Errorf("deleting roster: %w", err)
	}
	return nil
}

func (d *Discord) DirectMessage(_ context.Context, userID, content string) error {
	ch, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return fmt.Errorf("opening DM channel: %w", err)
	}
	if _, err := d.session.ChannelMessageSend(ch.ID, content); err != nil {
		return fmt.Errorf("sending DM: %w", err)
	}
	return nil
}

func (d *Discord) ChannelNotice(_ context.Context, channelID, content string) (string, error) {
	msg, err := d.session.ChannelMessageSend(channelID, content)
	if err != nil {
		return "", fmt.Errorf("posting notice: %w", err)
	}
	return msg.ID, nil
}

func (d *Discord) RetractNotice(_ context.Context, channelID, messageID string) error {
	if err := d.session.ChannelMessageDelete(channelID, messageID); err != nil {
		return fmt.Errorf("deleting notice: %w", err)
	}
	return nil
}

func (d *Discord) ChannelPrompt(_ context.Context, channelID, content, customID, label string) (string, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: content,
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    label,
					Style:    discordgo.PrimaryButton,
					CustomID: customID,
				},
			}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("posting prompt: %w", err)
	}
	return msg.ID, nil
}

func (d *Discord) DirectPrompt(_ context.Context, userID, content, customID string, options []string) error {
	ch, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return fmt.Errorf("opening DM channel: %w", err)
	}
	opts := make([]discordgo.SelectMenuOption, 0, len(options))
	for _, o := range options {
		opts = append(opts, discordgo.SelectMenuOption{Label: o, Value: o})
	}
	_, err = d.session.ChannelMessageSendComplex(ch.ID, &discordgo.MessageSend{
		Content: content,
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					MenuType:    discordgo.StringSelectMenu,
					CustomID:    customID,
					Placeholder: "Pick a role",
					Options:     opts,
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("sending DM prompt: %w", err)
	}
	return nil
}

func (d *Discord) Grant(_ context.Context, guildID, userID, roleID string) error {
	if err := d.session.GuildMemberRoleAdd(guildID, userID, roleID); err != nil {
		return fmt.Errorf("granting role: %w", err)
	}
	return nil
}

func (d *Discord) Revoke(_ context.Context, guildID, userID, roleID string) error {
	if err := d.session.GuildMemberRoleRemove(guildID, userID, roleID); err != nil {
		return fmt.Errorf("revoking role: %w", err)
	}
	return nil
}

// FetchSignals reads the current reactions off the raid's roster post, one
// page per role emoji. The bot's own seed reactions are filtered out.
func (d *Discord) FetchSignals(_ context.Context, raid *store.Raid) ([]Signal, error) {
	var botID string
	if d.session.State != nil && d.session.State.User != nil {
		botID = d.session.State.User.ID
	}

	var signals []Signal
	for _, slot := range raid.Roles {
		emoji, ok := d.emojis[slot.Name]
		if !ok {
			continue
		}
		users, err := d.session.MessageReactions(raid.ChannelID, raid.MessageID, emoji, 100, "", "")
		if err != nil {
			return nil, fmt.Errorf("reading reactions for %s: %w", slot.Name, err)
		}
		for _, u := range users {
			if u.ID == botID {
				continue
			}
			signals = append(signals, Signal{UserID: u.ID, Role: slot.Name})
		}
	}
	return signals, nil
}

func (d *Discord) RemoveSignal(_ context.Context, raid *store.Raid, userID, role string) error {
	emoji, ok := d.emojis[role]
	if !ok {
		return nil
	}
	if err := d.session.MessageReactionRemove(raid.ChannelID, raid.MessageID, emoji, userID); err != nil {
		return fmt.Errorf("removing reaction: %w", err)
	}
	return nil
}

func (d *Discord) renderEmbed(snap Snapshot) *discordgo.MessageEmbed {
	raid := snap.Raid

	byRole := make(map[string][]RosterEntry)
	for _, e := range snap.Entries {
		byRole[e.Role] = append(byRole[e.Role], e)
	}

	fields := make([]*discordgo.MessageEmbedField, 0, len(raid.Roles))
	for _, slot := range raid.Roles {
		var b strings.Builder
		for _, e := range byRole[slot.Name] {
			line := "<@" + e.UserID + ">"
			switch e.State {
			case store.StateConfirmed:
				line += " ✅"
			case store.StateNoShow:
				line += " ❌"
			}
			if slot.Name == store.BenchRole && e.PreferredRole != "" {
				line += " (prefers " + e.PreferredRole + ")"
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
		value := b.String()
		if value == "" {
			value = "-"
		}
		name := slot.Name
		if emoji, ok := d.emojis[slot.Name]; ok {
			name = emoji + " " + name
		}
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   fmt.Sprintf("%s (%d/%d)", name, slot.Filled, slot.Capacity),
			Value:  value,
			Inline: true,
		})
	}

	title := raid.Title
	switch snap.FillHint {
	case HintAlmostFull:
		title += " [ALMOST FULL]"
	case HintFull:
		title += " [FULL]"
	}
	if raid.Status == store.StatusLocked {
		title += " \U0001f512"
	}

	return &discordgo.MessageEmbed{
		Title:       title,
		Description: raid.Description,
		Color:       embedColor(snap.FillHint),
		Fields:      fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Status: %s | Starts: %s", raid.Status, raid.StartsAt.Format("Mon 02 Jan 15:04 MST")),
		},
	}
}

func embedColor(hint string) int {
	switch hint {
	case HintFull:
		return colorFull
	case HintAlmostFull:
		return colorAlmostFull
	default:
		return colorOpen
	}
}
