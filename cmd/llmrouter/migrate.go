package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/llmrouter/config"
	"github.com/BaSui01/llmrouter/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// migrateFlags 是所有 migrate 子命令共享的连接参数
type migrateFlags struct {
	configPath *string
	dbType     *string
	dbURL      *string
}

func newMigrateFlags(fs *flag.FlagSet) migrateFlags {
	return migrateFlags{
		configPath: fs.String("config", "", "Path to config file"),
		dbType:     fs.String("db-type", "", "Database type (postgres, mysql, sqlite)"),
		dbURL:      fs.String("db-url", "", "Database connection URL"),
	}
}

// migrator 优先使用 --db-type/--db-url，否则读取配置文件中的数据库配置
func (f migrateFlags) migrator() (*migration.DefaultMigrator, error) {
	if *f.dbType != "" && *f.dbURL != "" {
		return migration.NewMigratorFromURL(*f.dbType, *f.dbURL, zap.NewNop())
	}

	loader := config.NewLoader()
	if *f.configPath != "" {
		loader = loader.WithConfigPath(*f.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *f.dbType != "" {
		cfg.Database.Driver = *f.dbType
	}
	if cfg.Database.Driver == "" {
		return nil, errors.New("no database configured: set database.driver or pass --db-type and --db-url")
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, initLogger(cfg.Log))
}

// runMigrate 处理 migrate 命令及其子命令
func runMigrate(args []string, out io.Writer) error {
	if len(args) < 1 {
		printMigrateUsage(out)
		return errors.New("missing migrate subcommand")
	}

	sub, rest := args[0], args[1:]
	if sub == "help" || sub == "-h" || sub == "--help" {
		printMigrateUsage(out)
		return nil
	}

	// goto 与 force 的版本号是第一个位置参数
	var version int64
	if sub == "goto" || sub == "force" {
		if len(rest) < 1 {
			return fmt.Errorf("usage: llmrouter migrate %s <version>", sub)
		}
		var err error
		if sub == "force" {
			version, err = strconv.ParseInt(rest[0], 10, 32)
		} else {
			var u uint64
			u, err = strconv.ParseUint(rest[0], 10, 32)
			version = int64(u)
		}
		if err != nil {
			return fmt.Errorf("invalid version number: %s", rest[0])
		}
		rest = rest[1:]
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	fs.SetOutput(out)
	flags := newMigrateFlags(fs)
	all := fs.Bool("all", false, "Rollback all migrations (down only)")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	var run func(*migration.CLI, context.Context) error
	switch sub {
	case "up":
		run = (*migration.CLI).RunUp
	case "down":
		run = (*migration.CLI).RunDown
		if *all {
			run = (*migration.CLI).RunDownAll
		}
	case "reset":
		run = (*migration.CLI).RunDownAll
	case "status":
		run = (*migration.CLI).RunStatus
	case "version":
		run = (*migration.CLI).RunVersion
	case "goto":
		run = func(cli *migration.CLI, ctx context.Context) error { return cli.RunGoto(ctx, uint(version)) }
	case "force":
		run = func(cli *migration.CLI, ctx context.Context) error { return cli.RunForce(ctx, int(version)) }
	default:
		printMigrateUsage(out)
		return fmt.Errorf("unknown migrate subcommand: %s", sub)
	}

	m, err := flags.migrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	cli.SetOutput(out)
	if err := run(cli, context.Background()); err != nil {
		return fmt.Errorf("migrate %s failed: %w", sub, err)
	}
	return nil
}

func printMigrateUsage(out io.Writer) {
	fmt.Fprintln(out, `Database Migration Commands

Usage:
  llmrouter migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all for every migration)
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  llmrouter migrate up --config /etc/llmrouter/config.yaml
  llmrouter migrate up --db-type sqlite --db-url llmrouter.db
  llmrouter migrate down
  llmrouter migrate goto 1
  llmrouter migrate force 0`)
}
