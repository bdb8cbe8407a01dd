package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 0\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.ListenAddr != "0.0.0.0" || cfg.Server.Port != 3000 {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Minecraft.JavaBin != "java" {
		t.Errorf("java_bin default = %q", cfg.Minecraft.JavaBin)
	}
	if cfg.Minecraft.StopCommand != "/stop" {
		t.Errorf("stop_command default = %q", cfg.Minecraft.StopCommand)
	}
	if cfg.Minecraft.SettleDelay != 10*time.Second {
		t.Errorf("settle_delay default = %v", cfg.Minecraft.SettleDelay)
	}
	if cfg.Minecraft.ModRepo != "gnembon/carpetmod112" {
		t.Errorf("mod_repo default = %q", cfg.Minecraft.ModRepo)
	}
	if cfg.Auth.TokenDuration != 24*time.Hour {
		t.Errorf("token_duration default = %v", cfg.Auth.TokenDuration)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  listen_addr: 127.0.0.1
  port: 8080
minecraft:
  dir: /srv/mc
  java_bin: /usr/bin/java
  java_args: ["-Xmx4G"]
  stop_command: stop
database:
  path: /srv/warden.db
discord:
  bot_token: abc
  channel_id: "42"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1" || cfg.Server.Port != 8080 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Minecraft.Dir != "/srv/mc" || cfg.Minecraft.StopCommand != "stop" {
		t.Errorf("minecraft = %+v", cfg.Minecraft)
	}
	if len(cfg.Minecraft.JavaArgs) != 1 || cfg.Minecraft.JavaArgs[0] != "-Xmx4G" {
		t.Errorf("java_args = %v", cfg.Minecraft.JavaArgs)
	}
	if cfg.Database.Path != "/srv/warden.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Discord.BotToken != "abc" || cfg.Discord.ChannelID != "42" {
		t.Errorf("discord = %+v", cfg.Discord)
	}
}

func TestDefaultMatchesLoadDefaults(t *testing.T) {
	def := Default()
	loaded, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if def.Server != loaded.Server || def.Database != loaded.Database || def.Auth != loaded.Auth {
		t.Errorf("Default() = %+v, Load(empty) = %+v", def, loaded)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("Load on a missing file succeeded")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	want := &Config{}
	want.Server.ListenAddr = "10.0.0.1"
	want.Server.Port = 4444
	want.Minecraft.Dir = "/data/mc"
	want.Minecraft.SettleDelay = 2 * time.Second
	want.Auth.JWTSecret = "s3cr3t"

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Server.ListenAddr != "10.0.0.1" || got.Server.Port != 4444 {
		t.Errorf("server = %+v", got.Server)
	}
	if got.Minecraft.Dir != "/data/mc" {
		t.Errorf("minecraft dir = %q", got.Minecraft.Dir)
	}
	if got.Minecraft.SettleDelay != 2*time.Second {
		t.Errorf("settle_delay = %v", got.Minecraft.SettleDelay)
	}
	if got.Auth.JWTSecret != "s3cr3t" {
		t.Errorf("jwt_secret = %q", got.Auth.JWTSecret)
	}
}
