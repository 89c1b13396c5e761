package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/iambrandonn/runjoin/internal/config"
	"github.com/iambrandonn/runjoin/internal/lock"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// configNames are searched in order in each directory up the tree
var configNames = []string{"runjoin.json", "runjoin.yaml", "runjoin.yml"}

// loadConfig loads the --config file, or the nearest config found up the
// directory tree, or defaults. Relative paths in the result are resolved
// against the config file's directory.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	if configPath == "" {
		configPath, err = findConfigInTree()
		if err != nil {
			return nil, err
		}
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		logger.Debug("loaded configuration", "path", configPath)
	} else {
		cfg, err = config.Load("")
		if err != nil {
			return nil, err
		}
		logger.Debug("no config found, using defaults")
	}

	baseDir := "."
	if configPath != "" {
		baseDir = filepath.Dir(configPath)
	}
	cfg.Collector.Dir = resolvePath(baseDir, cfg.Collector.Dir)
	cfg.Lock.Dir = resolvePath(baseDir, cfg.Lock.Dir)
	if cfg.Metrics.Textfile != "" {
		cfg.Metrics.Textfile = resolvePath(baseDir, cfg.Metrics.Textfile)
	}

	return cfg, nil
}

// findConfigInTree searches up the directory tree for a runjoin config
func findConfigInTree() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	for {
		for _, name := range configNames {
			configPath := filepath.Join(dir, name)
			if _, err := os.Stat(configPath); err == nil {
				return configPath, nil
			}
		}

		// Move up one directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return "", nil
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// openLock connects the configured identity lock backend. The returned
// close func releases backend connections.
func openLock(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Lock, func(), error) {
	switch cfg.Lock.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Lock.RedisAddr,
			DialTimeout:  cfg.Lock.WaitTimeout(),
			ReadTimeout:  cfg.Lock.WaitTimeout(),
			WriteTimeout: cfg.Lock.WaitTimeout(),
		})
		lk := lock.NewRedisLock(client, cfg.Lock.Name, cfg.Lock.TTL(), logger)
		return lk, func() { client.Close() }, nil

	case config.BackendNATS:
		nc, err := nats.Connect(cfg.Lock.NATSURL,
			nats.Name("runjoin"),
			nats.Timeout(cfg.Lock.WaitTimeout()))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", lock.ErrUnavailable, err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("%w: %w", lock.ErrUnavailable, err)
		}

		bctx, cancel := context.WithTimeout(ctx, cfg.Lock.WaitTimeout())
		defer cancel()
		lk, err := lock.NewNATSLock(bctx, js, cfg.Lock.NATSBucket, cfg.Lock.Name, cfg.Lock.TTL(), logger)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return lk, nc.Close, nil

	default:
		return lock.NewFileLock(cfg.FileLockOptions(), logger), func() {}, nil
	}
}
