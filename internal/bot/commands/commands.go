package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/discord-raid-bot/internal/ledger"
	"github.com/jensholdgaard/discord-raid-bot/internal/lifecycle"
	"github.com/jensholdgaard/discord-raid-bot/internal/notify"
	"github.com/jensholdgaard/discord-raid-bot/internal/signup"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// startLayout is the expected format of the start-time option.
const startLayout = "2006-01-02 15:04"

// Component ID prefixes for message buttons and pickers, shared with the
// outbound prompts in notify.
const (
	checkinPrefix  = notify.CheckinPrefix
	rolepickPrefix = notify.RolePickPrefix
)

// Handlers process Discord interactions.
type Handlers struct {
	engine    *signup.Engine
	manager   *lifecycle.Manager
	raids     store.RaidRepository
	templates store.TemplateRepository
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewHandlers creates new command handlers.
func NewHandlers(engine *signup.Engine, manager *lifecycle.Manager, raids store.RaidRepository, templates store.TemplateRepository, logger *slog.Logger, tp trace.TracerProvider) *Handlers {
	return &Handlers{
		engine:    engine,
		manager:   manager,
		raids:     raids,
		templates: templates,
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/discord-raid-bot/internal/bot/commands"),
	}
}

// SlashCommands returns the slash command definitions.
func SlashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "raid-create",
			Description: "Create a new raid signup",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "title",
					Description: "Raid title",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "start",
					Description: "Start time (YYYY-MM-DD HH:MM, server time)",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "mode",
					Description: "raid or guildwar (default: raid)",
					Required:    false,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "raid", Value: "raid"},
						{Name: "guildwar", Value: "guildwar"},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "template",
					Description: "Role template name (default: guild default)",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "slots",
					Description: "Explicit slots, e.g. tank:2,healer:2,dps:6",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "description",
					Description: "Raid description",
					Required:    false,
				},
			},
		},
		{
			Name:        "raid-template",
			Description: "Save a role template",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "name",
					Description: "Template name",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "slots",
					Description: "Slots, e.g. tank:2,healer:2,dps:6,bench:3",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "default",
					Description: "Make this the guild default",
					Required:    false,
				},
			},
		},
		{
			Name:        "raid-lock",
			Description: "Lock a raid (bench signups only)",
			Options:     []*discordgo.ApplicationCommandOption{raidIDOption()},
		},
		{
			Name:        "raid-unlock",
			Description: "Unlock a raid",
			Options:     []*discordgo.ApplicationCommandOption{raidIDOption()},
		},
		{
			Name:        "raid-close",
			Description: "Close a raid",
			Options:     []*discordgo.ApplicationCommandOption{raidIDOption()},
		},
		{
			Name:        "raid-cancel",
			Description: "Cancel a raid",
			Options:     []*discordgo.ApplicationCommandOption{raidIDOption()},
		},
		{
			Name:        "raid-promote",
			Description: "Promote a benched user into a role",
			Options: []*discordgo.ApplicationCommandOption{
				raidIDOption(),
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "The benched user to promote",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "role",
					Description: "Target role",
					Required:    true,
				},
			},
		},
		{
			Name:        "raid-followup",
			Description: "Create a follow-up raid from a finished one",
			Options: []*discordgo.ApplicationCommandOption{
				raidIDOption(),
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "start",
					Description: "New start time (YYYY-MM-DD HH:MM)",
					Required:    true,
				},
			},
		},
		{
			Name:        "raid-edit",
			Description: "Edit raid title, description or start time",
			Options: []*discordgo.ApplicationCommandOption{
				raidIDOption(),
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "title",
					Description: "New title",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "description",
					Description: "New description",
					Required:    false,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "start",
					Description: "New start time (YYYY-MM-DD HH:MM)",
					Required:    false,
				},
			},
		},
		{
			Name:        "raid-list",
			Description: "List upcoming raids",
		},
		{
			Name:        "raid-history",
			Description: "Show a user's participation history",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "User to look up (default: you)",
					Required:    false,
				},
			},
		},
	}
}

func raidIDOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "raid",
		Description: "Raid ID",
		Required:    true,
	}
}

// InteractionCreate handles slash commands and message components.
func (h *Handlers) InteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		h.handleCommand(s, i)
	case discordgo.InteractionMessageComponent:
		h.handleComponent(s, i)
	}
}

func (h *Handlers) handleCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, span := h.tracer.Start(context.Background(), "InteractionCreate",
		trace.WithAttributes(attribute.String("command", i.ApplicationCommandData().Name)),
	)
	defer span.End()

	switch i.ApplicationCommandData().Name {
	case "raid-create":
		h.handleCreate(ctx, s, i)
	case "raid-template":
		h.handleTemplate(ctx, s, i)
	case "raid-lock":
		h.handleLock(ctx, s, i)
	case "raid-unlock":
		h.handleUnlock(ctx, s, i)
	case "raid-close":
		h.handleClose(ctx, s, i)
	case "raid-cancel":
		h.handleCancel(ctx, s, i)
	case "raid-promote":
		h.handlePromote(ctx, s, i)
	case "raid-followup":
		h.handleFollowUp(ctx, s, i)
	case "raid-edit":
		h.handleEdit(ctx, s, i)
	case "raid-list":
		h.handleList(ctx, s, i)
	case "raid-history":
		h.handleHistory(ctx, s, i)
	default:
		respond(s, i, "Unknown command")
	}
}

func (h *Handlers) handleComponent(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, span := h.tracer.Start(context.Background(), "InteractionComponent",
		trace.WithAttributes(attribute.String("component", i.MessageComponentData().CustomID)),
	)
	defer span.End()

	customID := i.MessageComponentData().CustomID
	userID := interactionUser(i)
	switch {
	case strings.HasPrefix(customID, checkinPrefix):
		raidID := strings.TrimPrefix(customID, checkinPrefix)
		if err := h.engine.Confirm(ctx, raidID, userID); err != nil {
			respondEphemeral(s, i, userError(err))
			return
		}
		respondEphemeral(s, i, "You are checked in. See you at the raid!")
	case strings.HasPrefix(customID, rolepickPrefix):
		raidID := strings.TrimPrefix(customID, rolepickPrefix)
		values := i.MessageComponentData().Values
		if len(values) == 0 {
			respondEphemeral(s, i, "Pick a role.")
			return
		}
		if _, err := h.engine.Join(ctx, raidID, userID, values[0]); err != nil {
			respondEphemeral(s, i, userError(err))
			return
		}
		respondEphemeral(s, i, fmt.Sprintf("You are signed up as %s.", values[0]))
	}
}

func (h *Handlers) handleCreate(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	opts := options(i)
	startsAt, err := time.Parse(startLayout, opts["start"].StringValue())
	if err != nil {
		respondEphemeral(s, i, "Invalid start time, use YYYY-MM-DD HH:MM.")
		return
	}

	p := lifecycle.CreateParams{
		GuildID:   i.GuildID,
		Title:     opts["title"].StringValue(),
		Mode:      "raid",
		StartsAt:  startsAt,
		CreatedBy: interactionUser(i),
	}
	if o, ok := opts["mode"]; ok {
		p.Mode = o.StringValue()
	}
	if o, ok := opts["description"]; ok {
		p.Description = o.StringValue()
	}
	if o, ok := opts["template"]; ok {
		p.TemplateName = o.StringValue()
	}
	if o, ok := opts["slots"]; ok {
		slots, err := parseSlots(o.StringValue())
		if err != nil {
			respondEphemeral(s, i, err.Error())
			return
		}
		p.Slots = slots
	}

	raid, err := h.manager.CreateRaid(ctx, p)
	if err != nil {
		respondEphemeral(s, i, userError(err))
		return
	}
	respond(s, i, fmt.Sprintf("Raid **%s** created (ID: `%s`), starts %s.",
		raid.Title, raid.ID, raid.StartsAt.Format(startLayout)))
}

func (h *Handlers) handleTemplate(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	opts := options(i)
	slots, err := parseSlots(opts["slots"].StringValue())
	if err != nil {
		respondEphemeral(s, i, err.Error())
		return
	}
	tpl := &store.Template{
		Name:    opts["name"].StringValue(),
		GuildID: i.GuildID,
		Roles:   slots,
	}
	if o, ok := opts["default"]; ok {
		tpl.IsDefault = o.BoolValue()
	}
	if err := h.templates.Upsert(ctx, tpl); err != nil {
		respondEphemeral(s, i, userError(err))
		return
	}
	respond(s, i, fmt.Sprintf("Template **%s** saved.", tpl.Name))
}

func (h *Handlers) handleLock(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	raidID := options(i)["raid"].StringValue()
	if err := h.manager.Lock(ctx, raidID, interactionUser(i)); err != nil {
		respondEphemeral(s, i, userError(err))
		return
	}
	respond(s, i, "Raid locked. Only bench signups are accepted now.")
}

func (h *Handlers) handleUnlock(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	raidID := options(i)["raid"].StringValue()
	if err := h.manager.Unlock(ctx, raidID, interactionUser(i)); err != nil {
		respondEphemeral(s, i, userError(err))
		return
	}
	respond(s, i, "Raid unlocked.")
}

func (h *Handlers) handleClose(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	raidID := options(i)["raid"].StringValue()
	if err := h.manager.Close(ctx, raidID, lifecycle.CloseReasonAdmin); err != nil {
		respondEphemeral(s, i, userError(err))
		return
	}
	respond(s, i, "Raid closed.")
}

func (h *Handlers) handleCancel(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	raidID := options(i)["raid"].StringValue()
	if err := h.manager.Cancel(ctx, raidID, interactionUser(i)); err != nil {
		respondEphemeral(s, i, userError(err))
		return
	}
	respond(s, i, "Raid cancelled.")
}

func (h *Handlers) handlePromote(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	opts := options(i)
	raidID := opts["raid"].StringValue()
	user := opts["user"].UserValue(s)
	role := opts["role"].StringValue()

	if err := h.manager.Promote(ctx, raidID, user.ID, role, interactionUser(i)); err != nil {
		respondEphemeral(s, i, userError(err))
		return
	}
	respond(s, i, fmt.Sprintf("<@%s> promoted to %s.", user.ID, role))
}

func (h *Handlers) handleFollowUp(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	opts := options(i)
	startsAt, err := time.Parse(startLayout, opts["start"].StringValue())
	if err != nil {
		respondEphemeral(s, i, "Invalid start time, use YYYY-MM-DD HH:MM.")
		return
	}
	raid, err := h.manager.FollowUp(ctx, opts["raid"].StringValue(), startsAt, interactionUser(i))
	if err != nil {
		respondEphemeral(s, i, userError(err))
		return
	}
	respond(s, i, fmt.Sprintf("Follow-up raid **%s** created (ID: `%s`).", raid.Title, raid.ID))
}

func (h *Handlers) handleEdit(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	opts := options(i)
	p := lifecycle.EditParams{}
	if o, ok := opts["title"]; ok {
		p.Title = o.StringValue()
	}
	if o, ok := opts["description"]; ok {
		p.Description = o.StringValue()
	}
	if o, ok := opts["start"]; ok {
		startsAt, err := time.Parse(startLayout, o.StringValue())
		if err != nil {
			respondEphemeral(s, i, "Invalid start time, use YYYY-MM-DD HH:MM.")
			return
		}
		p.StartsAt = startsAt
	}
	if err := h.manager.Edit(ctx, opts["raid"].StringValue(), p); err != nil {
		respondEphemeral(s, i, userError(err))
		return
	}
	respond(s, i, "Raid updated.")
}

func (h *Handlers) handleList(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	raids, err := h.manager.Upcoming(ctx)
	if err != nil {
		respondEphemeral(s, i, userError(err))
		return
	}
	if len(raids) == 0 {
		respond(s, i, "No upcoming raids.")
		return
	}
	var b strings.Builder
	b.WriteString("**Upcoming raids:**\n")
	for _, r := range raids {
		fmt.Fprintf(&b, "`%s` **%s** at %s (%s)\n",
			r.ID, r.Title, r.StartsAt.Format(startLayout), r.Status)
	}
	respond(s, i, b.String())
}

func (h *Handlers) handleHistory(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	userID := interactionUser(i)
	if o, ok := options(i)["user"]; ok {
		userID = o.UserValue(s).ID
	}
	counts, err := h.manager.History(ctx, userID)
	if err != nil {
		respondEphemeral(s, i, userError(err))
		return
	}
	if len(counts) == 0 {
		respond(s, i, fmt.Sprintf("<@%s> has no recorded raids.", userID))
		return
	}
	roles := make([]string, 0, len(counts))
	for role := range counts {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	var b strings.Builder
	fmt.Fprintf(&b, "**Raid history for <@%s>:**\n", userID)
	for _, role := range roles {
		fmt.Fprintf(&b, "%s: %d\n", role, counts[role])
	}
	respond(s, i, b.String())
}

// parseSlots parses "tank:2,healer:2,dps:6" into a role set.
func parseSlots(raw string) (store.RoleSet, error) {
	parts := strings.Split(raw, ",")
	roles := make(store.RoleSet, 0, len(parts))
	for _, part := range parts {
		name, count, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("invalid slot %q, expected role:count", part)
		}
		capacity, err := strconv.Atoi(count)
		if err != nil || capacity < 0 {
			return nil, fmt.Errorf("invalid capacity in %q", part)
		}
		roles = append(roles, store.RoleSlot{Name: strings.ToLower(strings.TrimSpace(name)), Capacity: capacity})
	}
	return roles, nil
}

// userError maps domain errors to a short user-facing message.
func userError(err error) string {
	switch {
	case errors.Is(err, ledger.ErrCapacityExceeded):
		return "That role is full (and so is the bench)."
	case errors.Is(err, ledger.ErrRaidLocked):
		return "The raid is locked; only bench signups are accepted."
	case errors.Is(err, ledger.ErrInvalidTransition):
		return "That action is stale; the raid has moved on. Refresh and retry."
	case errors.Is(err, ledger.ErrUnknownRole):
		return "That role does not exist on this raid."
	case errors.Is(err, ledger.ErrAlreadySignedUp):
		return "You are already signed up."
	case errors.Is(err, store.ErrNotFound):
		return "Not found. Check the raid ID."
	default:
		return fmt.Sprintf("Something went wrong: %s", err)
	}
}

func options(i *discordgo.InteractionCreate) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	opts := i.ApplicationCommandData().Options
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return m
}

func interactionUser(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func respond(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
		},
	})
}

func respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}
