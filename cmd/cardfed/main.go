package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cardforge/cardfed/internal/catalog"
	"github.com/cardforge/cardfed/internal/config"
	"github.com/cardforge/cardfed/internal/federation"
	"github.com/cardforge/cardfed/internal/platform"
	"github.com/cardforge/cardfed/internal/store"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "cardfed",
		Short:   "Character card federation daemon",
		Long:    `Synchronizes a local catalog of character cards onto independent third-party platforms and reconciles drift against their outbox listings.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		daemonCmd(),
		syncCmd(),
		syncAllCmd(),
		pullCmd(),
		pollCmd(),
		statusCmd(),
		platformCmd(),
		initCmd(),
		migrateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildFederation loads config and brings up an initialized store.
func buildFederation(ctx context.Context) (*federation.Store, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	cards := catalog.NewDir(cfg.CatalogDir)
	fed := federation.New(cfg, cards, cards)
	if err := fed.Initialize(ctx); err != nil {
		return nil, nil, err
	}
	return fed, cfg, nil
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Start the background reconciliation process",
		Long:  `Starts a daemon that periodically reconciles sync state against every connected platform's outbox and reloads settings when they change on disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			fed, cfg, err := buildFederation(ctx)
			if err != nil {
				return err
			}
			defer fed.Close()

			// Initial reconciliation pass
			slog.Info("performing initial reconciliation")
			fed.PollAllPlatforms(ctx)

			// Watch the settings snapshot so out-of-band edits take
			// effect without a restart.
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create settings watcher: %w", err)
			}
			defer watcher.Close()
			if err := watcher.Add(filepath.Dir(cfg.SettingsPath())); err != nil {
				return fmt.Errorf("failed to watch settings directory: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			interval := pollInterval(fed.Settings())
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			// Settings writes arrive as bursts of fs events; coalesce
			// them behind a short quiet period.
			var reload <-chan time.Time

			slog.Info("daemon started", "interval", interval)
			fmt.Println("Reconciling platforms. Press Ctrl+C to stop.")

			for {
				select {
				case <-sigCh:
					slog.Info("shutting down...")
					return nil

				case <-ticker.C:
					if fed.Settings().AutoSync {
						fed.PollAllPlatforms(ctx)
					}

				case event := <-watcher.Events:
					if event.Name != cfg.SettingsPath() {
						continue
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
						continue
					}
					reload = time.After(2 * time.Second)

				case err := <-watcher.Errors:
					slog.Warn("settings watcher error", "error", err)

				case <-reload:
					reload = nil
					slog.Info("settings changed, re-initializing")
					if err := fed.Reinitialize(ctx); err != nil {
						slog.Error("re-initialization failed", "error", err)
						continue
					}
					if next := pollInterval(fed.Settings()); next != interval {
						interval = next
						ticker.Reset(interval)
						slog.Info("poll interval updated", "interval", interval)
					}
				}
			}
		},
	}
}

func pollInterval(s federation.Settings) time.Duration {
	minutes := s.SyncIntervalMinutes
	if minutes < 1 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

func syncCmd() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "sync <card-id>",
		Short: "Push one local card to a platform",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			id, err := platform.Parse(target)
			if err != nil {
				return err
			}

			fed, _, err := buildFederation(ctx)
			if err != nil {
				return err
			}
			defer fed.Close()

			res, err := fed.SyncCard(ctx, args[0], id)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			if res.Skipped {
				fmt.Printf("Card %s already synced to %s (remote id %s).\n", args[0], id, res.RemoteID)
			} else {
				fmt.Printf("Card %s synced to %s (remote id %s).\n", args[0], id, res.RemoteID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "to", "", "target platform")
	cmd.MarkFlagRequired("to")
	return cmd
}

func syncAllCmd() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "sync-all",
		Short: "Push every local card to a platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			id, err := platform.Parse(target)
			if err != nil {
				return err
			}

			fed, _, err := buildFederation(ctx)
			if err != nil {
				return err
			}
			defer fed.Close()

			summary, err := fed.Engine().SyncAll(ctx, id)
			if err != nil {
				return fmt.Errorf("bulk sync failed: %w", err)
			}

			fmt.Printf("Synced %d, skipped %d, failed %d.\n",
				summary.Synced, summary.Skipped, summary.Failed)
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "to", "", "target platform")
	cmd.MarkFlagRequired("to")
	return cmd
}

func pullCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "pull <remote-id>",
		Short: "Fetch a card from a platform into the local catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			id, err := platform.Parse(source)
			if err != nil {
				return err
			}

			fed, _, err := buildFederation(ctx)
			if err != nil {
				return err
			}
			defer fed.Close()

			res, err := fed.PullCard(ctx, id, args[0])
			if err != nil {
				return fmt.Errorf("pull failed: %w", err)
			}

			fmt.Printf("Card pulled from %s as local card %s.\n", id, res.LocalID)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "from", "", "source platform")
	cmd.MarkFlagRequired("from")
	return cmd
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll [platform]",
		Short: "Reconcile sync state against platform outboxes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			fed, _, err := buildFederation(ctx)
			if err != nil {
				return err
			}
			defer fed.Close()

			if len(args) == 1 {
				id, err := platform.Parse(args[0])
				if err != nil {
					return err
				}
				fed.PollPlatform(ctx, id)
			} else {
				fed.PollAllPlatforms(ctx)
			}

			if lastErr := fed.LastError(); lastErr != "" {
				fmt.Printf("Completed with errors: %s\n", lastErr)
			} else {
				fmt.Println("Reconciliation completed.")
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show platform and sync state status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			fed, cfg, err := buildFederation(ctx)
			if err != nil {
				return err
			}
			defer fed.Close()

			settings := fed.Settings()
			states := fed.SyncStates()

			fmt.Println("=== Cardfed Status ===")
			fmt.Printf("Origin: %s\n", cfg.OriginURL)
			fmt.Printf("Catalog: %s\n", cfg.CatalogDir)
			fmt.Printf("Store backend: %s\n", cfg.Store.Backend)
			fmt.Println()

			fmt.Println("Platforms:")
			for _, id := range platform.Known() {
				pc, ok := settings.Platforms[id]
				if !ok {
					continue
				}
				state := "disabled"
				if pc.Enabled {
					state = "enabled"
					if pc.Connected {
						state = "connected"
					}
				}
				fmt.Printf("  %-12s %-10s %s\n", id, state, pc.BaseURL)
				if pc.LastChecked != nil {
					fmt.Printf("  %-12s last checked %s\n", "", pc.LastChecked.Format(time.RFC3339))
				}
			}

			fmt.Println()
			fmt.Printf("Tracked cards: %d\n", len(states))
			counts := make(map[store.Status]int)
			for _, rec := range states {
				counts[rec.Status]++
			}
			for status, n := range counts {
				fmt.Printf("  %s: %d\n", status, n)
			}

			if lastErr := fed.LastError(); lastErr != "" {
				fmt.Printf("\nLast error: %s\n", lastErr)
			}
			return nil
		},
	}
}

func platformCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platform",
		Short: "Manage platform connections",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered platforms",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := context.Background()
				fed, _, err := buildFederation(ctx)
				if err != nil {
					return err
				}
				defer fed.Close()

				for _, id := range fed.Engine().Platforms() {
					fmt.Println(id)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "test <platform>",
			Short: "Probe a platform and record the result",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := context.Background()
				id, err := platform.Parse(args[0])
				if err != nil {
					return err
				}

				fed, _, err := buildFederation(ctx)
				if err != nil {
					return err
				}
				defer fed.Close()

				if fed.TestConnection(ctx, id) {
					fmt.Printf("%s: connected\n", id)
				} else {
					fmt.Printf("%s: not reachable\n", id)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "connect <platform>",
			Short: "Enable a platform and test the connection",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := context.Background()
				id, err := platform.Parse(args[0])
				if err != nil {
					return err
				}

				fed, _, err := buildFederation(ctx)
				if err != nil {
					return err
				}
				defer fed.Close()

				ok, err := fed.ConnectPlatform(ctx, id)
				if err != nil {
					return err
				}
				if ok {
					fmt.Printf("%s connected.\n", id)
				} else {
					fmt.Printf("%s enabled but not reachable; it will be retried.\n", id)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "disconnect <platform>",
			Short: "Disable a platform, keeping its sync history",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := context.Background()
				id, err := platform.Parse(args[0])
				if err != nil {
					return err
				}

				fed, _, err := buildFederation(ctx)
				if err != nil {
					return err
				}
				defer fed.Close()

				if err := fed.DisconnectPlatform(id); err != nil {
					return err
				}
				fmt.Printf("%s disconnected.\n", id)
				return nil
			},
		},
	)

	return cmd
}

// initFileConfig is the YAML shape written by `cardfed init`.
type initFileConfig struct {
	OriginURL  string `yaml:"origin_url"`
	CatalogDir string `yaml:"catalog_dir"`
	Store      struct {
		Backend  string `yaml:"backend"`
		Database struct {
			Host     string `yaml:"host,omitempty"`
			Port     int    `yaml:"port,omitempty"`
			User     string `yaml:"user,omitempty"`
			Password string `yaml:"password,omitempty"`
			Database string `yaml:"database,omitempty"`
			Schema   string `yaml:"schema,omitempty"`
			SSLMode  string `yaml:"sslmode,omitempty"`
		} `yaml:"database,omitempty"`
	} `yaml:"store"`
	IgnorePatterns []string `yaml:"ignore_patterns,omitempty"`
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create config file",
		Long:  `Interactively creates a configuration file for this instance.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)

			fmt.Println("=== Cardfed Setup ===")
			fmt.Println()

			fmt.Print("Origin URL of this instance [http://localhost:8787]: ")
			origin, _ := reader.ReadString('\n')
			origin = strings.TrimSpace(origin)
			if origin == "" {
				origin = "http://localhost:8787"
			}

			fmt.Print("Card catalog directory: ")
			catalogDir, _ := reader.ReadString('\n')
			catalogDir = strings.TrimSpace(catalogDir)

			if _, err := os.Stat(catalogDir); os.IsNotExist(err) {
				return fmt.Errorf("catalog directory does not exist: %s", catalogDir)
			}

			fmt.Print("Sync state backend (file/postgres) [file]: ")
			backend, _ := reader.ReadString('\n')
			backend = strings.TrimSpace(backend)
			if backend == "" {
				backend = "file"
			}

			fileCfg := initFileConfig{
				OriginURL:  origin,
				CatalogDir: catalogDir,
			}
			fileCfg.Store.Backend = backend

			if backend == "postgres" {
				fmt.Println("\nDatabase Configuration:")
				fmt.Print("  Host: ")
				host, _ := reader.ReadString('\n')
				fileCfg.Store.Database.Host = strings.TrimSpace(host)

				fmt.Print("  Port [5432]: ")
				portStr, _ := reader.ReadString('\n')
				portStr = strings.TrimSpace(portStr)
				fileCfg.Store.Database.Port = 5432
				if portStr != "" {
					fmt.Sscanf(portStr, "%d", &fileCfg.Store.Database.Port)
				}

				fmt.Print("  User: ")
				user, _ := reader.ReadString('\n')
				fileCfg.Store.Database.User = strings.TrimSpace(user)

				fmt.Print("  Database name: ")
				dbName, _ := reader.ReadString('\n')
				fileCfg.Store.Database.Database = strings.TrimSpace(dbName)
				if fileCfg.Store.Database.Database == "" {
					return fmt.Errorf("database name is required")
				}

				// Keep the secret out of the file
				fileCfg.Store.Database.Password = "${DB_PASSWORD}"
				fileCfg.Store.Database.SSLMode = "require"
			}

			data, err := yaml.Marshal(&fileCfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}

			configDir, err := config.GetStateDir()
			if err != nil {
				return err
			}
			configPath := filepath.Join(configDir, "config.yaml")

			if err := os.WriteFile(configPath, data, 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			if backend == "postgres" {
				fmt.Println("\nIMPORTANT: Set the DB_PASSWORD environment variable before running.")
				fmt.Println("To run migrations, run: cardfed migrate")
			}
			fmt.Println("To check platform connectivity, run: cardfed status")
			fmt.Println("To start reconciling, run: cardfed daemon")

			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations (postgres backend)",
		Long:  `Runs all pending migrations for the postgres sync state backend.`,
	}

	migrationsDir := ""
	cmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "migrations directory")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Store.Backend != "postgres" {
			return fmt.Errorf("migrations only apply to the postgres backend")
		}

		ps, err := store.NewPostgresStore(ctx, &cfg.Store.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer ps.Close()

		// Resolve migrations directory
		if !filepath.IsAbs(migrationsDir) {
			// Try relative to executable first
			exe, _ := os.Executable()
			exeDir := filepath.Dir(exe)
			if _, err := os.Stat(filepath.Join(exeDir, migrationsDir)); err == nil {
				migrationsDir = filepath.Join(exeDir, migrationsDir)
			} else {
				// Try relative to current directory
				cwd, _ := os.Getwd()
				migrationsDir = filepath.Join(cwd, migrationsDir)
			}
		}

		if err := ps.RunMigrations(ctx, migrationsDir); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		fmt.Println("Migrations completed successfully.")
		return nil
	}

	return cmd
}
