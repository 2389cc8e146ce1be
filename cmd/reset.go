package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/evilwatch/internal/bus"
	"github.com/Ashfaaq98/evilwatch/internal/enrich"
)

var (
	confirmReset bool
	resetRedis   bool
	resetDB      bool
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset Redis data and/or database",
	Long: `Reset removes the indicator database and the EvilWatch keys in Redis.

By default, both are reset. Only the run stream and the enrichment cache
keys are deleted from Redis; other data in the same Redis database is left
alone. Use --redis-only or --db-only to reset one side.

WARNING: This operation is irreversible and will permanently delete all data.

Examples:
  # Reset both Redis and database (requires confirmation)
  evilwatch reset

  # Reset with automatic confirmation
  evilwatch reset --yes

  # Reset only Redis data
  evilwatch reset --redis-only

  # Reset only database
  evilwatch reset --db-only`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVarP(&confirmReset, "yes", "y", false, "Automatically confirm reset operation")
	resetCmd.Flags().BoolVar(&resetRedis, "redis-only", false, "Reset only Redis data")
	resetCmd.Flags().BoolVar(&resetDB, "db-only", false, "Reset only database")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := GetConfig()
	if err != nil {
		return err
	}

	if !resetRedis && !resetDB {
		resetRedis = true
		resetDB = true
	}
	if resetRedis && cfg.Redis.URL == "" {
		if !resetDB {
			return fmt.Errorf("no Redis URL configured")
		}
		resetRedis = false
	}

	var targets []string
	if resetRedis {
		targets = append(targets, "Redis data")
	}
	if resetDB {
		targets = append(targets, "SQLite database")
	}
	fmt.Printf("This will permanently delete: %s\n", strings.Join(targets, " and "))

	if !confirmReset && !confirm("Are you sure you want to continue? (y/N): ") {
		fmt.Println("Reset operation cancelled.")
		return nil
	}

	if resetRedis {
		if err := resetRedisData(ctx, cfg.Redis.URL); err != nil {
			fmt.Printf("Warning: Failed to reset Redis data: %v\n", err)
			if !resetDB {
				return fmt.Errorf("failed to reset Redis data: %w", err)
			}
			if !confirmReset && !confirm("Would you like to continue with database reset only? (y/N): ") {
				return fmt.Errorf("reset operation cancelled due to Redis connection failure")
			}
		} else {
			fmt.Println("✓ Redis data cleared successfully")
		}
	}

	if resetDB {
		if err := resetDatabase(cfg); err != nil {
			return fmt.Errorf("failed to reset database: %w", err)
		}
		fmt.Println("✓ Database cleared successfully")
	}

	fmt.Println("Reset operation completed successfully!")
	return nil
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	var response string
	fmt.Scanln(&response)
	response = strings.ToLower(response)
	return response == "y" || response == "yes"
}

func resetRedisData(ctx context.Context, url string) error {
	rb, err := bus.NewRedisBus(url, newLogger("bus"))
	if err != nil {
		return err
	}
	defer rb.Close()

	if err := rb.Reset(ctx); err != nil {
		return err
	}
	return enrich.ClearRedisCache(ctx, rb.Client())
}

func resetDatabase(cfg Config) error {
	base := getWorkingDir()
	path := resolvePathRelativeToBase(base, cfg.Database.Path)

	files := []string{
		path,
		path + "-shm", // Shared memory file
		path + "-wal", // Write-ahead log file
	}
	var removed []string
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			if err := os.Remove(file); err != nil {
				return fmt.Errorf("failed to remove database file %s: %w", file, err)
			}
			removed = append(removed, filepath.Base(file))
		}
	}

	// the bleve index is derived from the database and goes with it
	blevePath := cfg.Search.BlevePath
	if blevePath == "" {
		blevePath = strings.TrimSuffix(path, filepath.Ext(path)) + ".bleve"
	}
	blevePath = resolvePathRelativeToBase(base, blevePath)
	if _, err := os.Stat(blevePath); err == nil {
		if err := os.RemoveAll(blevePath); err != nil {
			return fmt.Errorf("failed to remove search index %s: %w", blevePath, err)
		}
		removed = append(removed, filepath.Base(blevePath))
	}

	if len(removed) == 0 {
		fmt.Println("No database files found to remove")
		return nil
	}
	fmt.Printf("Removed: %s\n", strings.Join(removed, ", "))
	return nil
}
