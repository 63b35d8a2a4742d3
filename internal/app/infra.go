package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basecore/eventpipe/dlq"
	"github.com/basecore/eventpipe/internal/config"
	"github.com/basecore/eventpipe/outbox"
	"github.com/basecore/eventpipe/transport/codec"
	redistransport "github.com/basecore/eventpipe/transport/redis"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

const connectTimeout = 10 * time.Second

// infra holds the connections shared by every process.
type infra struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	redis  *redis.Client
	stream *redistransport.Stream
	outbox *outbox.PostgresStore
	dlq    *dlq.Manager
}

func connect(ctx context.Context, process string) (*infra, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, err
	}
	logger = logger.With("service", "eventpipe", "process", process)
	slog.SetDefault(logger)

	if err := initSentry(cfg, process); err != nil {
		return nil, err
	}

	in := &infra{cfg: cfg, logger: logger}
	if err := in.open(ctx); err != nil {
		in.Close()
		return nil, err
	}
	return in, nil
}

func (in *infra) open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	db, err := sql.Open("pgx", in.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	in.db = db
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	in.redis = redis.NewClient(&redis.Options{
		Addr:     in.cfg.RedisAddr,
		Password: in.cfg.RedisPassword,
		DB:       in.cfg.RedisDB,
	})
	if err := in.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	c, err := codec.ByName(in.cfg.Stream.Codec)
	if err != nil {
		return err
	}
	in.stream, err = redistransport.New(in.redis,
		redistransport.WithStream(in.cfg.Stream.Name),
		redistransport.WithMaxLen(in.cfg.Stream.MaxLen),
		redistransport.WithCodec(c),
		redistransport.WithLogger(in.logger.With("component", "stream")),
		redistransport.WithErrorHandler(func(err error) {
			in.logger.Warn("stream error", "error", err)
		}),
	)
	if err != nil {
		return err
	}

	in.outbox = outbox.NewPostgresStore(db)
	if err := in.outbox.CreateTable(ctx); err != nil {
		return fmt.Errorf("create outbox table: %w", err)
	}

	store, err := in.deadLetterStore(ctx)
	if err != nil {
		return err
	}
	in.dlq = dlq.NewManager(store, in.stream).WithLogger(in.logger.With("component", "dlq"))
	return nil
}

func (in *infra) deadLetterStore(ctx context.Context) (dlq.Store, error) {
	switch in.cfg.DLQBackend {
	case config.DLQRedis:
		return dlq.NewRedisStore(in.redis), nil
	default:
		store := dlq.NewPostgresStore(in.db)
		if err := store.CreateTable(ctx); err != nil {
			return nil, fmt.Errorf("create dead-letter table: %w", err)
		}
		return store, nil
	}
}

// Close releases the stream and both connections.
func (in *infra) Close() error {
	var errs []error
	if in.stream != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, in.stream.Close(ctx))
	} else if in.redis != nil {
		errs = append(errs, in.redis.Close())
	}
	if in.db != nil {
		errs = append(errs, in.db.Close())
	}
	flushSentry()
	return errors.Join(errs...)
}
