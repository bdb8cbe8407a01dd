package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Minecraft MinecraftConfig `yaml:"minecraft"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Discord   DiscordConfig   `yaml:"discord"`
}

// ServerConfig holds control-protocol listener settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Port       int    `yaml:"port"`
}

// MinecraftConfig holds the supervised game server settings
type MinecraftConfig struct {
	Dir          string        `yaml:"dir"`
	JavaBin      string        `yaml:"java_bin"`
	JavaArgs     []string      `yaml:"java_args"`
	StopCommand  string        `yaml:"stop_command"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	ServerJarURL string        `yaml:"server_jar_url"`
	ModRepo      string        `yaml:"mod_repo"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds session token settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// DiscordConfig holds chat bridge settings; bridge is disabled when
// the token is empty
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config with every default filled in
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Minecraft.Dir == "" {
		cfg.Minecraft.Dir = "/var/lib/warden/minecraft"
	}
	if cfg.Minecraft.JavaBin == "" {
		cfg.Minecraft.JavaBin = "java"
	}
	if cfg.Minecraft.StopCommand == "" {
		cfg.Minecraft.StopCommand = "/stop"
	}
	if cfg.Minecraft.SettleDelay == 0 {
		cfg.Minecraft.SettleDelay = 10 * time.Second
	}
	if cfg.Minecraft.ServerJarURL == "" {
		cfg.Minecraft.ServerJarURL = "https://launcher.mojang.com/mc/game/1.12.2/server/886945bfb2b978778c3a0288fd7fab09d315b25f/server.jar"
	}
	if cfg.Minecraft.ModRepo == "" {
		cfg.Minecraft.ModRepo = "gnembon/carpetmod112"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/warden/warden.db"
	}
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}
}

// Save writes configuration to a YAML file
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
