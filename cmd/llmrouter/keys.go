package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/llmrouter/config"
	"github.com/BaSui01/llmrouter/internal/database"
	"github.com/BaSui01/llmrouter/llm/catalog"
	"github.com/BaSui01/llmrouter/llm/vault"
)

// =============================================================================
// 🔑 Provider 密钥管理命令
// =============================================================================

// keysTxRetries 是写操作遇到死锁等可重试错误时的事务重试次数
const keysTxRetries = 3

// keysCommand 是 keys 子命令共享的依赖
type keysCommand struct {
	cfg       *config.Config
	pool      *database.PoolManager
	vault     *vault.Vault
	out       io.Writer
	lookupEnv func(string) (string, bool)
	logger    *zap.Logger
}

// runKeys 处理 keys 命令及其子命令
func runKeys(args []string, out io.Writer) error {
	if len(args) < 1 {
		printKeysUsage(out)
		return errors.New("missing keys subcommand")
	}
	sub, rest := args[0], args[1:]
	if sub == "help" || sub == "-h" || sub == "--help" {
		printKeysUsage(out)
		return nil
	}

	fs := flag.NewFlagSet("keys "+sub, flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	name := fs.String("name", "", "Provider name (set, enable, disable)")
	fromEnv := fs.String("from-env", "", "Environment variable holding the plaintext key (set)")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Driver == "" {
		return errors.New("keys commands require a database: set database.driver")
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	v, err := newVault(cfg.Vault)
	if err != nil {
		return err
	}
	pool, err := openDatabase(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	cmd := &keysCommand{cfg: cfg, pool: pool, vault: v, out: out, lookupEnv: os.LookupEnv, logger: logger}
	return cmd.run(context.Background(), sub, *name, *fromEnv)
}

func (k *keysCommand) run(ctx context.Context, sub, name, fromEnv string) error {
	switch sub {
	case "import":
		return k.importProviders(ctx)
	case "set":
		return k.setKey(ctx, name, fromEnv)
	case "rotate":
		return k.rotate(ctx)
	case "list":
		return k.list(ctx)
	case "validate":
		return k.validate(ctx)
	case "enable", "disable":
		return k.setActive(ctx, name, sub == "enable")
	default:
		printKeysUsage(k.out)
		return fmt.Errorf("unknown keys subcommand: %s", sub)
	}
}

// inTx 在带重试的事务里用事务连接构造 Store
func (k *keysCommand) inTx(ctx context.Context, fn func(*catalog.Store) error) error {
	return k.pool.WithTransactionRetry(ctx, keysTxRetries, func(tx *gorm.DB) error {
		return fn(catalog.NewStore(tx, catalog.WithLogger(k.logger)))
	})
}

// importProviders 把配置文件里的静态目录写入数据库，已有密文在配置未提供时保留
func (k *keysCommand) importProviders(ctx context.Context) error {
	if len(k.cfg.Providers) == 0 {
		return errors.New("no providers in config")
	}
	err := k.inTx(ctx, func(store *catalog.Store) error {
		for _, c := range candidatesFromConfig(k.cfg.Providers) {
			row := &catalog.Provider{
				Name:            c.Name,
				Vendor:          c.Vendor,
				Model:           c.Model,
				BaseURL:         c.BaseURL,
				IsDefault:       c.IsDefault,
				IsActive:        true,
				MaxTokens:       c.MaxTokens,
				EncryptedAPIKey: c.EncryptedKey,
			}
			if c.AccountID != "" {
				acct := c.AccountID
				row.AccountID = &acct
			}
			row.SetUseCases(c.UseCases...)

			existing, err := store.Get(ctx, c.Name)
			switch {
			case err == nil:
				if row.EncryptedAPIKey == "" {
					row.EncryptedAPIKey = existing.EncryptedAPIKey
				}
			case !errors.Is(err, catalog.ErrNotFound):
				return err
			}
			if row.EncryptedAPIKey != "" {
				row.KeyVersion, _ = vault.VersionOf(row.EncryptedAPIKey)
			}
			if err := store.Upsert(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(k.out, "Imported %d providers\n", len(k.cfg.Providers))
	return nil
}

// setKey 从环境变量读取明文密钥，用 Vault 当前版本加密后保存
func (k *keysCommand) setKey(ctx context.Context, name, fromEnv string) error {
	if name == "" || fromEnv == "" {
		return errors.New("usage: llmrouter keys set --name <provider> --from-env <VAR>")
	}
	if k.vault == nil {
		return errors.New("vault passphrase not configured")
	}
	plain, ok := k.lookupEnv(fromEnv)
	if plain = strings.TrimSpace(plain); !ok || plain == "" {
		return fmt.Errorf("environment variable %s is empty", fromEnv)
	}
	if err := k.inTx(ctx, func(store *catalog.Store) error {
		return store.SetAPIKey(ctx, name, k.vault, plain)
	}); err != nil {
		return err
	}
	fmt.Fprintf(k.out, "Stored key %s for %s (v%d)\n", vault.MaskAPIKey(plain), name, k.vault.CurrentVersion())
	return nil
}

// rotate 把旧版本密文重新加密为当前版本
func (k *keysCommand) rotate(ctx context.Context) error {
	if k.vault == nil {
		return errors.New("vault passphrase not configured")
	}
	var rotated int
	err := k.inTx(ctx, func(store *catalog.Store) error {
		n, err := store.RotateKeys(ctx, k.vault)
		rotated = n
		return err
	})
	fmt.Fprintf(k.out, "Rotated %d keys to v%d\n", rotated, k.vault.CurrentVersion())
	return err
}

func (k *keysCommand) list(ctx context.Context) error {
	rows, err := catalog.NewStore(k.pool.DB()).All(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(k.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVENDOR\tMODEL\tACCOUNT\tUSE CASES\tKEY")
	for _, p := range rows {
		account := "-"
		if p.AccountID != nil && *p.AccountID != "" {
			account = *p.AccountID
		}
		key := "env:" + vault.EnvVarName(p.Vendor)
		if p.EncryptedAPIKey != "" {
			key = fmt.Sprintf("vault:v%d", p.KeyVersion)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.Name, p.Vendor, p.Model, account, p.UseCases, key)
	}
	return tw.Flush()
}

// validate 逐个解析凭据并输出脱敏结果，任一失败时返回错误
func (k *keysCommand) validate(ctx context.Context) error {
	rows, err := catalog.NewStore(k.pool.DB()).All(ctx)
	if err != nil {
		return err
	}
	refs := make([]vault.CredentialRef, 0, len(rows))
	for _, p := range rows {
		refs = append(refs, p.Candidate().CredentialRef())
	}

	resolver := vault.NewResolver(k.vault, k.logger, vault.WithEnvLookup(k.lookupEnv))
	failed := 0
	tw := tabwriter.NewWriter(k.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tVALID\tKEY\tERROR")
	for _, r := range resolver.ValidateAll(ctx, refs) {
		if !r.Valid {
			failed++
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", r.Provider, r.Valid, r.Masked, r.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d credentials invalid", failed, len(refs))
	}
	return nil
}

func (k *keysCommand) setActive(ctx context.Context, name string, active bool) error {
	if name == "" {
		return errors.New("--name is required")
	}
	if err := k.inTx(ctx, func(store *catalog.Store) error {
		return store.SetActive(ctx, name, active)
	}); err != nil {
		return err
	}
	state := "disabled"
	if active {
		state = "enabled"
	}
	fmt.Fprintf(k.out, "Provider %s %s\n", name, state)
	return nil
}

func printKeysUsage(out io.Writer) {
	fmt.Fprintln(out, `Provider Key Commands

Usage:
  llmrouter keys <subcommand> [options]

Subcommands:
  import     Write the providers from the config file into the database
  set        Encrypt and store a provider key read from an environment variable
  rotate     Re-encrypt every stored key with the current vault key version
  list       List active providers and where their keys come from
  validate   Resolve every credential and report failures (keys are masked)
  enable     Enable a provider
  disable    Disable a provider

Options:
  --config <path>    Path to configuration file (YAML)
  --name <provider>  Provider name (set, enable, disable)
  --from-env <VAR>   Environment variable holding the plaintext key (set)

Examples:
  llmrouter keys import --config config.yaml
  OPENAI_KEY=sk-... llmrouter keys set --name openai-main --from-env OPENAI_KEY
  LLMROUTER_VAULT_KEY_VERSION=2 llmrouter keys rotate`)
}
