// Command sweep-connections is a one-shot version of the in-process cleanup
// sweeper. It marks every live connection row whose last activity predates
// the threshold as disconnected. Useful for cron setups and for repairing
// the directory after an unclean shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openeats/realtime/internal/database"
)

func main() {
	var (
		databaseURL = flag.String("database", os.Getenv("DATABASE_URL"), "Postgres URL (or set DATABASE_URL env)")
		threshold   = flag.Duration("threshold", 24*time.Hour, "Maximum silence before a live row is considered abandoned")
		dryRun      = flag.Bool("dry-run", false, "Report what would be swept without writing")
		verbose     = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("Postgres URL required (--database or DATABASE_URL env)")
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	slog.Info("Connected to database", "url", sanitizeURL(*databaseURL))

	repo := database.NewConnectionRepo(pool)
	cutoff := time.Now().Add(-*threshold)

	if *dryRun {
		live, err := repo.ListLive(ctx)
		if err != nil {
			log.Fatalf("Failed to list live connections: %v", err)
		}
		stale := 0
		for _, conn := range live {
			if conn.LastActivity.Before(cutoff) {
				stale++
				slog.Debug("Would sweep connection",
					"connection_id", conn.ConnectionID.String(),
					"last_activity", conn.LastActivity.Format(time.RFC3339))
			}
		}
		slog.Info("Dry run complete", "live", len(live), "stale", stale, "threshold", *threshold)
		return
	}

	start := time.Now()
	reaped, err := repo.MarkStaleDisconnected(ctx, cutoff)
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}

	slog.Info("Sweep complete",
		"reaped", reaped,
		"threshold", *threshold,
		"duration_ms", time.Since(start).Milliseconds())
}

func sanitizeURL(url string) string {
	// Hide credentials for logging
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			credParts := strings.Split(parts[0], ":")
			if len(credParts) >= 2 {
				return credParts[0] + ":***@" + parts[1]
			}
		}
	}
	return url
}
