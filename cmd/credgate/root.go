package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ineyio/credgate"
	"github.com/ineyio/credgate/store/factory"
)

const (
	configKey       = "config"
	credentialsKey  = "credentials"
	dailyLimitKey   = "daily-limit"
	timezoneKey     = "timezone"
	backendKey      = "store.backend"
	addressKey      = "store.address"
	passwordKey     = "store.password"
	dsnKey          = "store.dsn"
	keyPrefixKey    = "store.key-prefix"
	logLevelKey     = "log-level"
	envPrefix       = "CREDGATE"
	credentialsEnv  = "CREDGATE_CREDENTIALS"
	openAITokensEnv = "OPENAI_ACCESS_TOKENS"
)

// cli carries the settings shared by every subcommand.
type cli struct {
	v      *viper.Viper
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "credgate",
		Short:         "Operate a shared upstream credential pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.logger = newLogger(cmd, c.v.GetString(logLevelKey))
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP(configKey, "c", "", "path to a YAML config file")
	flags.String(credentialsKey, "", "comma-separated credential list (overrides the config file)")
	flags.Int64(dailyLimitKey, 0, "daily request limit per caller, 0 for none")
	flags.String(timezoneKey, "", "time zone daily limits reset in (default local)")
	flags.String("store-backend", "", "store backend: memory, redis, valkey, postgres, mongo")
	flags.String("store-address", "", "redis/valkey address")
	flags.String("store-password", "", "redis/valkey password")
	flags.String("store-dsn", "", "postgres DSN or mongo URI")
	flags.String("store-key-prefix", "", "key or table prefix")
	flags.String(logLevelKey, "info", "log level: debug, info, warn, error")

	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	c.v.AutomaticEnv()

	mustBind(c.v, configKey, "", flags.Lookup(configKey))
	mustBind(c.v, credentialsKey, credentialsEnv, flags.Lookup(credentialsKey))
	mustBind(c.v, dailyLimitKey, "", flags.Lookup(dailyLimitKey))
	mustBind(c.v, timezoneKey, "", flags.Lookup(timezoneKey))
	mustBind(c.v, backendKey, "", flags.Lookup("store-backend"))
	mustBind(c.v, addressKey, "", flags.Lookup("store-address"))
	mustBind(c.v, passwordKey, "", flags.Lookup("store-password"))
	mustBind(c.v, dsnKey, "", flags.Lookup("store-dsn"))
	mustBind(c.v, keyPrefixKey, "", flags.Lookup("store-key-prefix"))
	mustBind(c.v, logLevelKey, "", flags.Lookup(logLevelKey))

	cmd.AddCommand(
		newInitCommand(c),
		newStatusCommand(c),
		newAcquireCommand(c),
		newReleaseCommand(c),
		newQuotaCommand(c),
		newVersionCommand(),
	)
	return cmd
}

func mustBind(v *viper.Viper, key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := v.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func newLogger(cmd *cobra.Command, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl}))
}

// config merges the config file (if any) with flags and environment.
func (c *cli) config() (credgate.Config, error) {
	var cfg credgate.Config
	if path := strings.TrimSpace(c.v.GetString(configKey)); path != "" {
		loaded, err := credgate.LoadConfig(path)
		if err != nil {
			return credgate.Config{}, err
		}
		cfg = loaded
	}

	creds := c.v.GetString(credentialsKey)
	if creds == "" && len(cfg.Credentials) == 0 {
		creds = os.Getenv(openAITokensEnv)
	}
	if creds != "" {
		cfg.Credentials = credgate.ParseCredentials(creds)
	}
	if c.v.IsSet(dailyLimitKey) {
		cfg.DailyLimit = c.v.GetInt64(dailyLimitKey)
	}
	if tz := c.v.GetString(timezoneKey); tz != "" {
		cfg.Timezone = tz
	}
	if b := c.v.GetString(backendKey); b != "" {
		cfg.Store.Backend = b
	}
	if a := c.v.GetString(addressKey); a != "" {
		cfg.Store.Address = a
	}
	if p := c.v.GetString(passwordKey); p != "" {
		cfg.Store.Password = p
	}
	if d := c.v.GetString(dsnKey); d != "" {
		cfg.Store.DSN = d
	}
	if k := c.v.GetString(keyPrefixKey); k != "" {
		cfg.Store.KeyPrefix = k
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return credgate.Config{}, err
	}
	return cfg, nil
}

// env is everything a subcommand needs to talk to the pool.
type env struct {
	cfg   credgate.Config
	store credgate.Store
	pool  *credgate.Pool
	locks *credgate.LockManager
	rate  *credgate.RateCounter
	close func() error
}

// open builds the pool components without registering credentials, so that
// inspecting a live pool does not reset its owner records.
func (c *cli) open(ctx context.Context) (*env, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store, closeFn, err := factory.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	pool, err := credgate.NewPool(cfg.Credentials)
	if err != nil {
		closeFn()
		return nil, err
	}
	locks, err := credgate.NewLockManager(store, pool,
		credgate.WithLockTTL(cfg.LockTTL),
		credgate.WithBindingTTL(cfg.BindingTTL),
		credgate.WithOwnerTTL(cfg.OwnerTTL),
		credgate.WithLockLogger(c.logger),
	)
	if err != nil {
		closeFn()
		return nil, err
	}
	rate, err := credgate.NewRateCounter(store, cfg.DailyLimit, credgate.WithLocation(loc))
	if err != nil {
		closeFn()
		return nil, err
	}

	// A memory store lives only as long as this process.
	if cfg.Store.Backend == credgate.BackendMemory {
		if err := pool.Bootstrap(ctx, store, cfg.OwnerTTL); err != nil {
			closeFn()
			return nil, err
		}
	}

	c.logger.Debug("store opened", "backend", cfg.Store.Backend, "credentials", pool.Len())
	return &env{cfg: cfg, store: store, pool: pool, locks: locks, rate: rate, close: closeFn}, nil
}
