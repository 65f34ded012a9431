package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/draft-keeper/internal/config"
	"github.com/and161185/draft-keeper/internal/crypto/clientcrypto"
	dkprom "github.com/and161185/draft-keeper/internal/metrics/prometheus"
	"github.com/and161185/draft-keeper/internal/model"
	"github.com/and161185/draft-keeper/internal/remote"
	"github.com/and161185/draft-keeper/internal/repository"
	"github.com/and161185/draft-keeper/internal/repository/file"
	"github.com/and161185/draft-keeper/internal/repository/memory"
	"github.com/and161185/draft-keeper/internal/repository/postgres"
	redisrepo "github.com/and161185/draft-keeper/internal/repository/redis"
	"github.com/and161185/draft-keeper/internal/service"
	"github.com/and161185/draft-keeper/internal/store"
	"github.com/and161185/draft-keeper/internal/syncer"
)

var errNoRemote = errors.New("remote.base_url is not configured")

// app holds the engine components shared by every command.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	kv      repository.KVRepository
	closeKV func()
	store   *store.Store
	creds   *tokenSource
	keys    *clientcrypto.KeyRing
	drafts  *service.DraftServiceImpl
	metrics *dkprom.Metrics
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	kv, closeKV, err := openKV(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	m, err := dkprom.NewMetrics()
	if err != nil {
		closeKV()
		return nil, err
	}
	st := store.New(kv,
		store.WithPrefix(cfg.Storage.Prefix),
		store.WithSuffix(cfg.Storage.Suffix),
		store.WithLogger(log),
	)
	creds := newTokenSource(cfg.Credential.TokenFile)
	keys := clientcrypto.NewKeyRing(creds, cfg.CryptoParams(), nil)
	return &app{
		cfg:     cfg,
		log:     log,
		kv:      kv,
		closeKV: closeKV,
		store:   st,
		creds:   creds,
		keys:    keys,
		drafts:  service.NewDraftService(st, keys, nil, m, log),
		metrics: m,
	}, nil
}

func (a *app) Close() { a.closeKV() }

// openKV builds the configured storage backend.
func openKV(ctx context.Context, sc config.StorageConfig) (repository.KVRepository, func(), error) {
	noop := func() {}
	switch sc.Backend {
	case config.BackendMemory:
		return memory.New(int(sc.MaxBytes)), noop, nil
	case config.BackendFile:
		kv, err := file.New(sc.Dir, sc.MaxBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("open draft dir: %w", err)
		}
		return kv, noop, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", sc.RedisAddr, err)
		}
		return redisrepo.New(rdb), func() { _ = rdb.Close() }, nil
	case config.BackendPostgres:
		db, err := postgres.New(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		return postgres.NewKVRepo(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

// remoteSaver returns the HTTP client, or a saver that fails every push when no URL is set.
func (a *app) remoteSaver() (syncer.RemoteSaver, error) {
	if a.cfg.Remote.BaseURL == "" {
		return missingRemote{}, nil
	}
	return remote.NewHTTPClient(a.cfg.Remote.BaseURL, a.creds, nil)
}

type missingRemote struct{}

func (missingRemote) SaveDraft(context.Context, model.PushRequest) error { return errNoRemote }

// schedulerOptions maps the sync section onto scheduler options.
func (a *app) schedulerOptions() syncer.Options {
	return syncer.Options{
		Debounce:       a.cfg.Sync.Debounce,
		Backoff:        a.cfg.Sync.Backoff,
		RequestTimeout: a.cfg.Sync.RequestTimeout,
		Logger:         a.log,
		Metrics:        a.metrics,
	}
}

func (a *app) newScheduler(net syncer.Connectivity, opts syncer.Options) (*syncer.Scheduler, error) {
	rs, err := a.remoteSaver()
	if err != nil {
		return nil, err
	}
	return syncer.New(rs, a.drafts, net, opts), nil
}
