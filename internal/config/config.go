package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Discord        DiscordConfig        `yaml:"discord"`
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Raids          RaidsConfig          `yaml:"raids"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "sqlx" or "ent"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// RaidsConfig holds raid lifecycle and reminder timing settings.
// All offsets are measured backwards from the raid start time.
type RaidsConfig struct {
	// PollInterval is how often the reminder scheduler checks for due work.
	PollInterval time.Duration `yaml:"poll_interval"`
	// ReminderOffsets are channel reminders before start, e.g. [24h, 1h].
	ReminderOffsets []time.Duration `yaml:"reminder_offsets"`
	// DMOffset is when participants get a direct-message reminder.
	DMOffset time.Duration `yaml:"dm_offset"`
	// CheckinOpenOffset is when the check-in prompt is posted.
	CheckinOpenOffset time.Duration `yaml:"checkin_open_offset"`
	// CheckinRemindOffset is when unconfirmed participants are re-pinged.
	CheckinRemindOffset time.Duration `yaml:"checkin_remind_offset"`
	// AutoCloseAtStart closes the raid when its start time elapses.
	AutoCloseAtStart bool `yaml:"auto_close_at_start"`
	// MaxAfterStart is the safety close window for raids left open past start.
	MaxAfterStart time.Duration `yaml:"max_after_start"`
	// OpenSlotCooldown gates how often open-slot notices may be posted per raid.
	OpenSlotCooldown time.Duration `yaml:"open_slot_cooldown"`
	// PruneGrace is how long closed/cancelled raids are kept before deletion.
	PruneGrace time.Duration `yaml:"prune_grace"`
	// BenchCapacity is the default bench size for raids created from explicit slots.
	BenchCapacity int `yaml:"bench_capacity"`
	// ParticipantRoleID, when set, is granted on signup and revoked on leave/close.
	ParticipantRoleID string `yaml:"participant_role_id"`
	// LogChannelID, when set, receives closure summaries.
	LogChannelID string `yaml:"log_channel_id"`
	// RaidChannelID and GuildwarChannelID route announcements by raid mode.
	RaidChannelID     string `yaml:"raid_channel_id"`
	GuildwarChannelID string `yaml:"guildwar_channel_id"`
	// RoleEmojis maps role names to the reaction emoji used for signup.
	RoleEmojis map[string]string `yaml:"role_emojis"`
}

// AnnounceChannel returns the channel for the given raid mode, falling back
// to the raid channel when no mode-specific channel is configured.
func (r RaidsConfig) AnnounceChannel(mode string) string {
	if mode == "guildwar" && r.GuildwarChannelID != "" {
		return r.GuildwarChannelID
	}
	return r.RaidChannelID
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "sqlx",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "raidbot",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "raidbot-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Raids: RaidsConfig{
			PollInterval:        30 * time.Second,
			ReminderOffsets:     []time.Duration{24 * time.Hour, time.Hour},
			DMOffset:            15 * time.Minute,
			CheckinOpenOffset:   15 * time.Minute,
			CheckinRemindOffset: 5 * time.Minute,
			AutoCloseAtStart:    true,
			MaxAfterStart:       6 * time.Hour,
			OpenSlotCooldown:    10 * time.Minute,
			PruneGrace:          time.Hour,
			BenchCapacity:       10,
			RoleEmojis: map[string]string{
				"tank":   "\U0001F6E1️", // shield
				"healer": "\U0001F49A",       // green heart
				"dps":    "⚔️",     // crossed swords
				"bench":  "\U0001FA91",       // chair
			},
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlx", "ent", "mem":
		// valid; "mem" is the in-memory store for local development
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"sqlx\", \"ent\" or \"mem\"", c.Database.Driver)
	}

	r := c.Raids
	if r.PollInterval <= 0 {
		return fmt.Errorf("raids.poll_interval must be positive, got %s", r.PollInterval)
	}
	for _, d := range r.ReminderOffsets {
		if d <= 0 {
			return fmt.Errorf("raids.reminder_offsets entries must be positive, got %s", d)
		}
	}
	if r.CheckinRemindOffset > r.CheckinOpenOffset {
		return fmt.Errorf("raids.checkin_remind_offset (%s) must not exceed raids.checkin_open_offset (%s)",
			r.CheckinRemindOffset, r.CheckinOpenOffset)
	}
	if r.MaxAfterStart <= 0 {
		return fmt.Errorf("raids.max_after_start must be positive, got %s", r.MaxAfterStart)
	}
	if r.BenchCapacity < 0 {
		return fmt.Errorf("raids.bench_capacity must not be negative, got %d", r.BenchCapacity)
	}
	return nil
}
