// Command agentctl inspects an instance's database directly, without going
// through its admin HTTP surface — useful when the instance process is
// down or its port is unreachable.
//
// Usage:
//
//	agentctl --db-dsn ./agentcore.db schedules
//	agentctl --db-dsn ./agentcore.db queue
//	agentctl --db-dsn ./agentcore.db --status running fibers
//	agentctl --db-dsn ./agentcore.db --name onboarding workflows
//
// All flags go before the resource name; flag parsing stops at it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentcore-io/agentcore/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dsn := flag.String("db-dsn", envOrDefault("AGENTCORE_DB_DSN", "./agentcore.db"), "Database DSN or file path for SQLite")
	driver := flag.String("db-driver", envOrDefault("AGENTCORE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	status := flag.String("status", "", "Filter by status column (fibers, workflows)")
	name := flag.String("name", "", "Filter by workflow name (workflows)")
	flag.Parse()

	if flag.NArg() != 1 {
		return fmt.Errorf("usage: agentctl [flags] <schedules|queue|fibers|workflows>")
	}
	resource := flag.Arg(0)

	logger, _ := zap.NewDevelopment()
	database, err := storage.Open(storage.Config{
		Driver:   *driver,
		DSN:      *dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	var rows any
	q := database

	switch resource {
	case "schedules":
		var out []storage.Schedule
		err = q.Order("time asc").Find(&out).Error
		rows = out

	case "queue":
		var out []storage.QueueItem
		err = q.Order("created_at asc").Find(&out).Error
		rows = out

	case "fibers":
		if *status != "" {
			q = q.Where("status = ?", *status)
		}
		var out []storage.Fiber
		err = q.Order("created_at asc").Find(&out).Error
		rows = out

	case "workflows":
		if *status != "" {
			q = q.Where("status = ?", *status)
		}
		if *name != "" {
			q = q.Where("workflow_name = ?", *name)
		}
		var out []storage.WorkflowTracking
		err = q.Order("created_at asc").Find(&out).Error
		rows = out

	default:
		return fmt.Errorf("unknown resource %q: must be one of schedules, queue, fibers, workflows", resource)
	}
	if err != nil {
		return fmt.Errorf("query %s: %w", resource, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
