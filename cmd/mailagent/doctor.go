package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mailagent/internal/config"
	"mailagent/internal/ratelimit"
	"mailagent/internal/storage"
)

type doctorTally struct {
	passed, warned, failed int
}

func (t *doctorTally) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	t.passed++
}

func (t *doctorTally) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	t.failed++
}

func (t *doctorTally) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	t.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your mailagent installation",
		Long: `Verifies that the configuration, database, inference providers, OAuth
client and rate-limit backend are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("mailagent doctor v%s\n\n", version)

			var t doctorTally
			if _, err := os.Stat(cfgPath); err != nil {
				t.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'mailagent init' to create a default configuration.\n")
				return nil
			}
			t.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				t.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", t.passed, t.failed)
				return errors.New("config invalid")
			}
			t.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if err := checkDatabase(ctx, cfg.Storage.DBPath); err != nil {
				t.fail("Database", err.Error())
			} else {
				t.pass("Database", cfg.Storage.DBPath)
			}

			checkProviders(cfg, &t)

			if cfg.OAuth.ClientID == "" || cfg.OAuth.ClientSecret == "" {
				t.warn("OAuth client", "clientId/clientSecret not set; Gmail cannot be connected")
			} else {
				t.pass("OAuth client", cfg.OAuth.RedirectURL)
			}

			if cfg.API.JWTSecret == "" {
				t.fail("API auth", "api.jwtSecret is not set")
			} else {
				t.pass("API auth", "HS256 bearer tokens")
			}

			switch cfg.RateLimit.Backend {
			case "redis":
				if err := checkRedis(ctx, cfg.RateLimit.RedisURL); err != nil {
					t.fail("Rate limit", fmt.Sprintf("redis: %v", err))
				} else {
					t.pass("Rate limit", fmt.Sprintf("redis, %d/window", cfg.RateLimit.PerMinute))
				}
			default:
				t.pass("Rate limit", fmt.Sprintf("%s, %d/window", cfg.RateLimit.Backend, cfg.RateLimit.PerMinute))
			}

			if err := checkPort(cfg.API.Host, cfg.API.Port); err != nil {
				t.warn("API port", fmt.Sprintf("port %d may be in use: %v", cfg.API.Port, err))
			} else {
				t.pass("API port", fmt.Sprintf(":%d available", cfg.API.Port))
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					t.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					t.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", t.passed, t.warned, t.failed)
			if t.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running mailagent.\n")
				return fmt.Errorf("%d check(s) failed", t.failed)
			}
			if t.warned > 0 {
				fmt.Printf("\nmailagent should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed.\n")
			}
			return nil
		},
	}
}

func checkProviders(cfg *config.Config, t *doctorTally) {
	enabled := 0
	for name, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		enabled++
		if p.APIKey == "" && p.APIBase == "" {
			t.warn("Provider: "+name, "enabled but no API key/base configured")
		} else {
			t.pass("Provider: "+name, p.ProviderKind(name)+" "+p.Model)
		}
	}
	if enabled == 0 {
		t.fail("Providers", "no providers enabled")
	}
}

// checkDatabase opens the store, which applies migrations, and performs a
// write against the counters table.
func checkDatabase(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}
	store, err := storage.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := store.PurgeExpiredCounters(ctx); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	return nil
}

func checkRedis(ctx context.Context, url string) error {
	rs, err := ratelimit.NewRedisStoreFromURL(url)
	if err != nil {
		return err
	}
	defer rs.Close()
	return rs.Ping(ctx)
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
