// warden - Minecraft server supervisor with git-backed world backups
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/wardenmc/warden/internal/artifact"
	"github.com/wardenmc/warden/internal/auth"
	"github.com/wardenmc/warden/internal/bridge"
	"github.com/wardenmc/warden/internal/bus"
	"github.com/wardenmc/warden/internal/config"
	"github.com/wardenmc/warden/internal/control"
	"github.com/wardenmc/warden/internal/snapshot"
	"github.com/wardenmc/warden/internal/storage"
	"github.com/wardenmc/warden/internal/supervisor"
)

var version = "dev"

const defaultConfigPath = "/etc/warden/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmdInit(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	case "user":
		cmdUser(os.Args[2:])
	case "backups":
		cmdBackups(os.Args[2:])
	case "version":
		fmt.Printf("warden %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: warden <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init                     Write a default configuration file")
	fmt.Println("  serve                    Start the supervisor and control server")
	fmt.Println("  user add <username>      Add an operator (prompts for password)")
	fmt.Println("  user passwd <username>   Reset an operator's password")
	fmt.Println("  user remove <username>   Remove an operator")
	fmt.Println("  user list                List operators")
	fmt.Println("  backups                  List world backups, newest first")
	fmt.Println("  version                  Show version")
	fmt.Println("  help                     Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/warden/config.yml)")
}

// cmdInit writes a fully defaulted config file for editing
func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil {
		fmt.Printf("Warden is already initialized (%s exists).\n", *configPath)
		fmt.Println("To re-initialize, remove the config file first.")
		return
	}

	if err := os.MkdirAll(filepath.Dir(*configPath), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", filepath.Dir(*configPath), err)
		os.Exit(1)
	}

	if err := config.Save(*configPath, config.Default()); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config written: %s\n", *configPath)
	fmt.Println("Edit it (at least auth.jwt_secret), add a user with 'warden user add', then run 'warden serve'.")
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// cmdServe starts the supervisor, the event bus and the control server
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	log.Printf("Warden %s starting...", version)

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	snaps, err := snapshot.Open(cfg.Minecraft.Dir)
	if err != nil {
		log.Fatalf("Failed to open snapshot store: %v", err)
	}
	log.Printf("Snapshot store ready at %s", cfg.Minecraft.Dir)

	b, err := bus.New()
	if err != nil {
		log.Fatalf("Failed to start event bus: %v", err)
	}
	defer b.Close()

	artifacts := artifact.New(cfg.Minecraft.Dir, cfg.Minecraft.ServerJarURL, cfg.Minecraft.ModRepo)

	sup := supervisor.New(supervisor.Config{
		Dir:         cfg.Minecraft.Dir,
		JavaBin:     cfg.Minecraft.JavaBin,
		JavaArgs:    cfg.Minecraft.JavaArgs,
		StopCommand: cfg.Minecraft.StopCommand,
		SettleDelay: cfg.Minecraft.SettleDelay,
	}, snaps, artifacts, b)

	// Chat bridge is optional; a bridge failure must never stop serving.
	if cfg.Discord.BotToken != "" {
		chat, err := bridge.New(cfg.Discord.BotToken, cfg.Discord.GuildID, cfg.Discord.ChannelID, sup)
		if err != nil {
			log.Printf("Warning: discord bridge unavailable: %v", err)
		} else if err := chat.Start(); err != nil {
			log.Printf("Warning: discord bridge failed to connect: %v", err)
		} else {
			sup.SetOutputHook(chat.HandleLine)
			defer chat.Close()
		}
	}

	if cfg.Auth.JWTSecret == "" {
		log.Printf("Warning: No JWT secret configured. Session tokens will use an empty secret.")
	}
	authn := auth.NewAuthenticator(store, auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration))

	ctrl := control.NewServer(sup, snaps, authn)
	if err := ctrl.Start(b); err != nil {
		log.Fatalf("Failed to start control server: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     ctrl.Handler(),
		IdleTimeout: 60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Control server listening on %s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Bring the game server up as soon as the control surface is live.
	if err := sup.Start(false); err != nil {
		log.Printf("Initial start rejected: %v", err)
	}

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-serverErr:
		log.Fatalf("Control server error: %v", err)
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("Control server shutdown error: %v", err)
	}

	log.Println("Stopping game server...")
	if err := sup.Stop(); err != nil {
		log.Printf("Stop failed: %v", err)
	}
	log.Println("Shutdown complete")
}

// cmdUser handles user subcommands
func cmdUser(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: user subcommand required: add, remove, list\n")
		os.Exit(1)
	}
	subCmd := args[0]

	fs := flag.NewFlagSet("user", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args[1:])
	remaining := fs.Args()

	cfg := loadConfig(*configPath)
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	switch subCmd {
	case "add":
		err = cmdUserAdd(ctx, store, remaining)
	case "remove":
		err = cmdUserRemove(ctx, store, remaining)
	case "passwd":
		err = cmdUserPasswd(ctx, store, remaining)
	case "list":
		err = cmdUserList(ctx, store)
	default:
		err = fmt.Errorf("unknown user command: %s (use: add, remove, passwd, list)", subCmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdUserAdd(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: warden user add <username>")
	}
	username := args[0]

	if _, err := store.GetUserByUsername(ctx, username); err == nil {
		return fmt.Errorf("user '%s' already exists", username)
	}

	fmt.Print("Enter password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if string(password) != string(confirm) {
		return fmt.Errorf("passwords do not match")
	}

	hash, err := auth.HashPassword(string(password))
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := store.CreateUser(ctx, username, hash); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("User '%s' created successfully\n", username)
	return nil
}

func cmdUserPasswd(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: warden user passwd <username>")
	}
	user, err := store.GetUserByUsername(ctx, args[0])
	if err != nil {
		return fmt.Errorf("user '%s' not found", args[0])
	}

	fmt.Print("Enter new password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	hash, err := auth.HashPassword(string(password))
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := store.ResetUserPassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}

	fmt.Printf("Password updated for '%s'\n", user.Username)
	return nil
}

func cmdUserRemove(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: warden user remove <username>")
	}
	username := args[0]
	if err := store.DeleteUser(ctx, username); err != nil {
		return fmt.Errorf("failed to remove user: %w", err)
	}
	fmt.Printf("User '%s' removed\n", username)
	return nil
}

func cmdUserList(ctx context.Context, store *storage.Store) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	if len(users) == 0 {
		fmt.Println("No users configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tCREATED\tLAST_LOGIN")
	fmt.Fprintln(w, "--------\t-------\t----------")
	for _, user := range users {
		lastLogin := "never"
		if user.LastLogin != nil {
			lastLogin = user.LastLogin.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", user.Username, user.CreatedAt.Format("2006-01-02"), lastLogin)
	}
	return w.Flush()
}

// cmdBackups lists world backups, newest first
func cmdBackups(args []string) {
	fs := flag.NewFlagSet("backups", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	snaps, err := snapshot.Open(cfg.Minecraft.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open snapshot store: %v\n", err)
		os.Exit(1)
	}

	backups, err := snaps.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to list backups: %v\n", err)
		os.Exit(1)
	}
	if len(backups) == 0 {
		fmt.Println("No backups yet")
		return
	}
	for _, b := range backups {
		fmt.Println(b.Name)
	}
}
