package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/dyluth/towerlink/internal/config"
	"github.com/dyluth/towerlink/internal/printer"
	"github.com/dyluth/towerlink/pkg/keystore"
	"github.com/redis/go-redis/v9"
)

// loadConfig reads the file named by --config and renders failures
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return nil, printer.Error(
			"configuration not found",
			fmt.Sprintf("No configuration file at %s.", configPath),
			[]string{
				"Create towerlink.yml in the current directory",
				"Point at an existing file:\n  towerlink --config path/to/towerlink.yml",
			},
		)
	}

	return nil, printer.ErrorWithContext(
		"invalid configuration",
		err.Error(),
		map[string]string{"File": configPath},
		nil,
	)
}

// openStore connects to the backend named in the configuration
func openStore(ctx context.Context, cfg *config.Config, opts ...keystore.Option) (keystore.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendNATS:
		store, err := keystore.NewNATSStore(ctx, cfg.Store.URL, cfg.Store.Bucket, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendRedis:
		redisOpts, err := redis.ParseURL(cfg.Store.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url %q: %w", cfg.Store.URL, err)
		}
		store, err := keystore.NewRedisStore(redisOpts, cfg.Instance, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Store.Backend)
	}
}

// connect opens the store and checks it answers, rendering failures
func connect(ctx context.Context, cfg *config.Config) (keystore.Store, error) {
	store, err := openStore(ctx, cfg)
	if err == nil {
		err = store.Ping(ctx)
		if err != nil {
			store.Close()
		}
	}
	if err != nil {
		return nil, printer.ErrorWithContext(
			"store unreachable",
			fmt.Sprintf("Could not connect to the %s store.", cfg.Store.Backend),
			map[string]string{"URL": cfg.Store.URL, "Error": err.Error()},
			[]string{fmt.Sprintf("Check the store is running, or override the address:\n  %s=<url> towerlink ...", config.EnvStoreURL)},
		)
	}
	return store, nil
}
