// Package cli implements the kioskctl operator commands. Commands work directly
// against the database and announce their changes on the event bus, through Redis
// when configured, so running servers refresh their screens.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"kioskqueue/internal/clock"
	"kioskqueue/internal/config"
	"kioskqueue/internal/database"
	"kioskqueue/internal/devicesession"
	"kioskqueue/internal/hub"
	"kioskqueue/internal/kiosk"
	"kioskqueue/internal/queue"
	"kioskqueue/internal/realtime"
	pkgdatabase "kioskqueue/pkg/database"
	"kioskqueue/pkg/interfaces"
	"kioskqueue/pkg/types"
)

type options struct {
	configPath string
	dbPath     string
	actor      string
	role       string
}

// NewRootCmd builds the kioskctl command tree
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "kioskctl",
		Short:        "Operate the kiosk reflection queue",
		Long:         "Operator tool for kiosks, the behavior queue, device sessions and students. Talks to the database directly.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (JSON or YAML)")
	root.PersistentFlags().StringVarP(&opts.dbPath, "db", "d", "", "Database path (default: $KIOSKQUEUE_DATABASE_PATH or config)")
	root.PersistentFlags().StringVar(&opts.actor, "actor", "kioskctl", "Staff user id recorded on changes")
	root.PersistentFlags().StringVar(&opts.role, "role", types.RoleAdmin, "Staff role: teacher, admin, super_admin")

	root.AddCommand(
		newKioskCmd(opts),
		newQueueCmd(opts),
		newSessionCmd(opts),
		newStudentCmd(opts),
		newTokenCmd(opts),
		newAttachCmd(opts),
	)
	return root
}

// Execute runs kioskctl with os.Args
func Execute() error {
	return NewRootCmd().Execute()
}

func (o *options) actorInfo() types.Actor {
	return types.Actor{UserID: o.actor, Role: o.role}
}

// loadConfig resolves settings without requiring server-only values like the JWT secret
func (o *options) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		log.Printf("Warning: %v", err)
	}
	cfg := config.LoadFromEnv()
	if o.configPath != "" {
		file, err := config.ReadFile(o.configPath)
		if err != nil {
			return nil, err
		}
		if err := file.Apply(cfg); err != nil {
			return nil, err
		}
	}
	if o.dbPath != "" {
		cfg.Database.Path = o.dbPath
	}
	return cfg, nil
}

// env is one command's worth of wired services
type env struct {
	cfg      *config.Config
	store    *database.Manager
	hub      *hub.Hub
	redis    *redis.Client
	bridge   *realtime.Bridge
	bus      interfaces.EventBus
	queue    *queue.Service
	kiosks   *kiosk.Registry
	sessions *devicesession.Manager
}

func (o *options) open(ctx context.Context) (*env, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.WriteTimeout = cfg.Database.Timeout
	store, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	e := &env{cfg: cfg, store: store, hub: hub.NewHub()}
	if err := e.hub.Start(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	e.bus = e.hub
	if cfg.Redis.Enabled() {
		e.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := e.redis.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: redis unavailable, servers will not be notified: %v", err)
		} else {
			e.bridge = realtime.NewBridge(e.redis, e.hub, cfg.Redis.Prefix)
			e.bus = e.bridge
		}
		cancel()
	}

	clk := clock.Real()
	e.queue = queue.NewService(store, e.bus, clk)
	e.kiosks = kiosk.NewRegistry(store, e.queue, e.bus, clk)
	e.sessions = devicesession.NewManager(store, e.bus, clk, cfg.Kiosk.BaseURL)

	if err := e.kiosks.Provision(ctx, cfg.Kiosk.Count); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func (e *env) close() {
	_ = e.hub.Stop()
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if err := e.store.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
}

// withEnv opens the services for the duration of fn
func (o *options) withEnv(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()
	return fn(ctx, e)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
