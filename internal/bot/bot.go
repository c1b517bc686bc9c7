// Package bot wires the Discord session: slash commands, message components
// and the reaction handlers that turn raw reaction events into normalized
// join/leave signals for the signup engine.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/discord-raid-bot/internal/bot/commands"
	"github.com/jensholdgaard/discord-raid-bot/internal/config"
	"github.com/jensholdgaard/discord-raid-bot/internal/ledger"
	"github.com/jensholdgaard/discord-raid-bot/internal/lifecycle"
	"github.com/jensholdgaard/discord-raid-bot/internal/notify"
	"github.com/jensholdgaard/discord-raid-bot/internal/signup"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// Bot wraps the Discord session and command handlers.
type Bot struct {
	session  *discordgo.Session
	adapter  *notify.Discord
	engine   *signup.Engine
	raids    store.RaidRepository
	cfg      config.DiscordConfig
	logger   *slog.Logger
	handlers *commands.Handlers
	cmds     []*discordgo.ApplicationCommand
}

// New creates a new Bot instance on an already-constructed session. The
// session is shared with the notify adapter so both see the same state.
func New(
	session *discordgo.Session,
	adapter *notify.Discord,
	engine *signup.Engine,
	manager *lifecycle.Manager,
	repos *store.Repositories,
	cfg config.DiscordConfig,
	logger *slog.Logger,
	tp trace.TracerProvider,
) *Bot {
	handlers := commands.NewHandlers(engine, manager, repos.Raids, repos.Templates, logger, tp)
	return &Bot{
		session:  session,
		adapter:  adapter,
		engine:   engine,
		raids:    repos.Raids,
		cfg:      cfg,
		logger:   logger,
		handlers: handlers,
	}
}

// Session builds the Discord session for a bot token. The reaction intents
// are required for signup signals.
func Session(cfg config.DiscordConfig) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents |= discordgo.IntentGuildMessageReactions | discordgo.IntentDirectMessages
	return session, nil
}

// Start opens the Discord connection and registers slash commands.
func (b *Bot) Start(ctx context.Context) error {
	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.logger.InfoContext(ctx, "bot is ready", slog.String("user", s.State.User.Username))
	})

	b.session.AddHandler(b.handlers.InteractionCreate)
	b.session.AddHandler(b.onReactionAdd)
	b.session.AddHandler(b.onReactionRemove)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}

	// Register slash commands.
	appCmds := commands.SlashCommands()
	registered, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.cfg.GuildID, appCmds)
	if err != nil {
		return fmt.Errorf("registering slash commands: %w", err)
	}
	b.cmds = registered

	b.logger.InfoContext(ctx, "slash commands registered", slog.Int("count", len(registered)))
	return nil
}

// Stop gracefully closes the Discord connection.
func (b *Bot) Stop() error {
	// Remove slash commands on shutdown (optional for dev).
	for _, cmd := range b.cmds {
		if err := b.session.ApplicationCommandDelete(b.session.State.User.ID, b.cfg.GuildID, cmd.ID); err != nil {
			b.logger.Error("failed to delete command", slog.String("command", cmd.Name), slog.Any("error", err))
		}
	}
	return b.session.Close()
}

// onReactionAdd normalizes a reaction into a join signal. A rejected join
// undoes the reaction so the external surface matches the ledger's decision.
func (b *Bot) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if s.State.User != nil && r.UserID == s.State.User.ID {
		return
	}
	role, ok := b.adapter.RoleForEmoji(r.Emoji.Name)
	if !ok {
		return
	}
	ctx := context.Background()
	raid, err := b.raids.GetByMessageID(ctx, r.MessageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.ErrorContext(ctx, "failed to resolve raid for reaction", slog.Any("error", err))
		}
		return
	}

	res, err := b.engine.Join(ctx, raid.ID, r.UserID, role)
	if err != nil {
		if err := s.MessageReactionRemove(r.ChannelID, r.MessageID, r.Emoji.Name, r.UserID); err != nil {
			b.logger.WarnContext(ctx, "failed to undo rejected reaction", slog.Any("error", err))
		}
		b.explainRejection(ctx, r.UserID, raid, err)
		return
	}
	if res.Benched && role != store.BenchRole {
		b.dm(ctx, r.UserID, fmt.Sprintf("**%s** is full for %s, you are on the bench. You can set a preferred role on the raid post.", raid.Title, role))
	}
}

// onReactionRemove normalizes a removed reaction into a leave signal.
func (b *Bot) onReactionRemove(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
	if s.State.User != nil && r.UserID == s.State.User.ID {
		return
	}
	role, ok := b.adapter.RoleForEmoji(r.Emoji.Name)
	if !ok {
		return
	}
	ctx := context.Background()
	raid, err := b.raids.GetByMessageID(ctx, r.MessageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.ErrorContext(ctx, "failed to resolve raid for reaction", slog.Any("error", err))
		}
		return
	}

	// Only the reaction matching the held role is a leave; removing a
	// stale reaction after a role change must not drop the new slot.
	su, err := b.engine.Signup(ctx, raid.ID, r.UserID)
	if err != nil {
		return
	}
	if su.Role != role {
		return
	}
	if err := b.engine.Leave(ctx, raid.ID, r.UserID, "reaction removed"); err != nil {
		b.logger.ErrorContext(ctx, "failed to apply leave",
			slog.String("raid_id", raid.ID),
			slog.String("user_id", r.UserID),
			slog.Any("error", err),
		)
	}
}

func (b *Bot) explainRejection(ctx context.Context, userID string, raid *store.Raid, err error) {
	var msg string
	switch {
	case errors.Is(err, ledger.ErrCapacityExceeded):
		msg = fmt.Sprintf("**%s** is completely full, including the bench. Your signup was not recorded.", raid.Title)
	case errors.Is(err, ledger.ErrRaidLocked):
		msg = fmt.Sprintf("**%s** is locked; only bench signups are accepted right now.", raid.Title)
	case errors.Is(err, ledger.ErrInvalidTransition):
		msg = fmt.Sprintf("**%s** is no longer open for signups.", raid.Title)
	default:
		b.logger.ErrorContext(ctx, "failed to apply join",
			slog.String("raid_id", raid.ID),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		return
	}
	b.dm(ctx, userID, msg)
}

func (b *Bot) dm(ctx context.Context, userID, content string) {
	if err := b.adapter.DirectMessage(ctx, userID, content); err != nil {
		b.logger.WarnContext(ctx, "failed to DM user",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}
