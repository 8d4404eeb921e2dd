package authcore

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/mwielder/authcore/device"
	"github.com/mwielder/authcore/password"
	"github.com/mwielder/authcore/token"
	"github.com/mwielder/authcore/totp"
)

// Builder assembles an Engine. A builder is single-use: Build validates the
// configuration, wires the stores, and hands back a ready engine.
//
//	engine, err := authcore.New().
//		WithConfig(cfg).
//		WithRedis(client).
//		WithUserStore(store).
//		Build()
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	userStore UserStore
	eventSink EventSink
	built     bool
}

func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserStore sets the application's credential store. Required.
func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.userStore = store
	return b
}

// WithEventSink sets where security events are delivered. Without one,
// events are dispatched to a no-op sink.
func (b *Builder) WithEventSink(sink EventSink) *Builder {
	b.eventSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userStore == nil {
		return nil, errors.New("user store required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	manager, err := token.NewManager(token.Config{
		SigningMethod: cfg.Token.SigningMethod,
		PrivateKey:    cfg.Token.PrivateKey,
		PublicKey:     cfg.Token.PublicKey,
		Issuer:        cfg.Token.Issuer,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Params{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:  cfg,
		users:   b.userStore,
		tokens:  token.NewStore(manager, b.redis, cfg.Token.RedisPrefix),
		devices: device.NewStore(b.redis, cfg.Device.RedisPrefix),
		lockout: NewLockoutGuard(b.redis, cfg.Lockout),
		hasher:  hasher,
		policy: password.Policy{
			MinLength:      cfg.Password.MinLength,
			RequireClasses: cfg.Password.RequireClasses,
			HistoryDepth:   cfg.Password.HistoryDepth,
			MaxAge:         cfg.Password.MaxAge,
		},
		totp: totp.NewVerifier(totp.Params{
			Issuer:    cfg.TOTP.Issuer,
			Digits:    cfg.TOTP.Digits,
			Period:    cfg.TOTP.Period,
			Skew:      cfg.TOTP.Skew,
			Algorithm: cfg.TOTP.Algorithm,
		}),
		metrics:    NewMetrics(cfg.Metrics),
		dispatcher: newEventDispatcher(cfg.Events, b.eventSink),
		ready:      true,
	}

	b.built = true
	return e, nil
}
