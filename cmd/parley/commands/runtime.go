package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/dyluth/parley/internal/audit"
	"github.com/dyluth/parley/internal/config"
	"github.com/dyluth/parley/internal/delivery"
	"github.com/dyluth/parley/internal/eventlog"
	"github.com/dyluth/parley/internal/printer"
	"github.com/dyluth/parley/pkg/mailbox"
	"github.com/redis/go-redis/v9"
)

// runtime is everything a command needs to talk to the configured backend.
type runtime struct {
	cfg    *config.ParleyConfig
	p      *printer.Printer
	store  mailbox.Store
	dir    mailbox.Directory
	redis  *mailbox.RedisStore // set for the redis backend only
	memory *mailbox.MemoryStore
	amqp   *mailbox.AMQPStore
	audit  *audit.Log
	mirror *audit.RedisMirror
	engine *delivery.Engine
	events *eventlog.Logger
}

// loadConfig reads parley.yml and applies the --name override.
func loadConfig(p *printer.Printer) (*config.ParleyConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, p.Error(
				fmt.Sprintf("%s not found", configPath),
				"Parley needs a configuration file describing the mailbox backend, agents and routing rules.",
				[]string{"Create one in the current directory:\n  parley init"},
			)
		}
		return nil, p.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"file": configPath},
			[]string{"Fix the file, or regenerate a reference copy:\n  parley init --dir /tmp/parley-example"},
		)
	}

	if instanceName != "" {
		cfg.Instance = instanceName
		if err := cfg.Validate(); err != nil {
			return nil, p.Error("invalid instance name", err.Error(), nil)
		}
	}
	return cfg, nil
}

// openRuntime connects to the configured backend, registers the configured
// agents and builds a delivery engine. Callers must call close.
func openRuntime(ctx context.Context, p *printer.Printer) (*runtime, error) {
	cfg, err := loadConfig(p)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, p: p, events: eventlog.New("parley", cfg.Instance)}

	switch cfg.Mailbox.Backend {
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.Mailbox.RedisURL)
		if err != nil {
			return nil, p.ErrorWithContext("invalid Redis URL", err.Error(),
				map[string]string{"redis_url": cfg.Mailbox.RedisURL}, nil)
		}
		store, err := mailbox.NewRedisStore(opts, cfg.Instance)
		if err != nil {
			return nil, fmt.Errorf("failed to create mailbox store: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, p.ErrorWithContext(
				"Redis connection failed",
				fmt.Sprintf("Could not connect to Redis at %s", cfg.Mailbox.RedisURL),
				map[string]string{"error": err.Error()},
				[]string{
					"Start a local Redis:\n  docker run -d -p 6379:6379 redis:7",
					"Point parley at another server:\n  export REDIS_URL=redis://host:6379/0",
				},
			)
		}
		rt.redis, rt.store, rt.dir = store, store, store

	case config.BackendMemory:
		store := mailbox.NewMemoryStore()
		rt.memory, rt.store, rt.dir = store, store, store

	case config.BackendAMQP:
		store, err := mailbox.DialAMQP(cfg.Mailbox.AMQPURL, cfg.Mailbox.Exchange)
		if err != nil {
			return nil, p.ErrorWithContext(
				"RabbitMQ connection failed",
				err.Error(),
				map[string]string{"amqp_url": cfg.Mailbox.AMQPURL, "exchange": cfg.Mailbox.Exchange},
				[]string{"Check the broker is running and AMQP_URL is correct"},
			)
		}
		rt.amqp, rt.store, rt.dir = store, store, store

	default:
		return nil, fmt.Errorf("unsupported mailbox backend: %s", cfg.Mailbox.Backend)
	}

	for name, agent := range cfg.Agents {
		if err := rt.dir.RegisterRecipient(ctx, name, agent.AgentRole()); err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to register agent %s: %w", name, err)
		}
	}

	var auditOpts []audit.Option
	if cfg.Audit.Mirror != nil && *cfg.Audit.Mirror && rt.redis != nil {
		rt.mirror, err = audit.NewRedisMirror(rt.redis.Client(), cfg.Instance, cfg.Audit.Capacity)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to create audit mirror: %w", err)
		}
		auditOpts = append(auditOpts, audit.WithSink(rt.mirror, func(err error) {
			log.Printf("[Audit] Failed to mirror entry: %v", err)
		}))
	}
	rt.audit = audit.NewLog(cfg.Audit.Capacity, auditOpts...)

	rt.engine, err = delivery.NewEngine(rt.store, cfg.RuleSet(), cfg.PolicyTable(), rt.audit,
		delivery.WithBulkWorkers(cfg.Queue.Workers),
		delivery.WithEventLogger(rt.events),
	)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to create delivery engine: %w", err)
	}
	return rt, nil
}

// inboxReader is what the inbox commands need from a store. The redis and
// memory backends implement it.
type inboxReader interface {
	mailbox.Inbox
	ScanMessageIDs(ctx context.Context, recipientID string) ([]string, error)
	InboxSizes(ctx context.Context) (map[string]int64, error)
}

func (rt *runtime) readable() (inboxReader, bool) {
	switch {
	case rt.redis != nil:
		return rt.redis, true
	case rt.memory != nil:
		return rt.memory, true
	}
	return nil, false
}

// inbox returns the readable store, or a printed error for backends that
// cannot read messages back.
func (rt *runtime) inbox() (inboxReader, error) {
	if r, ok := rt.readable(); ok {
		return r, nil
	}
	return nil, rt.p.Error(
		"inbox not readable",
		fmt.Sprintf("The %s backend publishes messages to a broker; parley cannot read them back.", rt.cfg.Mailbox.Backend),
		[]string{"Consume the recipient's queue from RabbitMQ directly"},
	)
}

// requireRedis returns a printed error unless the backend is Redis.
func (rt *runtime) requireRedis(feature string) (*mailbox.RedisStore, error) {
	if rt.redis != nil {
		return rt.redis, nil
	}
	return nil, rt.p.Error(
		fmt.Sprintf("%s requires the redis backend", feature),
		fmt.Sprintf("The configured backend is '%s'.", rt.cfg.Mailbox.Backend),
		[]string{"Set mailbox.backend: redis in parley.yml"},
	)
}

func (rt *runtime) close() {
	if rt.redis != nil {
		rt.redis.Close()
	}
	if rt.amqp != nil {
		rt.amqp.Close()
	}
}
