// Package config loads the cart service configuration from defaults, an
// optional YAML file and CART_ environment variables, in that order.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/catalog"
	"github.com/fjod/go_cart/cart-core/internal/discount"
	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const EnvPrefix = "CART_"

type Config struct {
	ServiceName string `koanf:"service_name" validate:"required"`

	Log struct {
		Level  string `koanf:"level" validate:"oneof=debug info warn error"`
		Format string `koanf:"format" validate:"oneof=json text"`
	} `koanf:"log"`

	HTTP struct {
		Port               int           `koanf:"port" validate:"min=1,max=65535"`
		RequestTimeout     time.Duration `koanf:"request_timeout"`
		ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`
		MaxRequestBodySize int64         `koanf:"max_request_body_size"`
	} `koanf:"http"`

	GRPC struct {
		Port int `koanf:"port" validate:"min=1,max=65535"`
	} `koanf:"grpc"`

	Auth struct {
		JWTSecret string `koanf:"jwt_secret" validate:"required,min=16"`
		Issuer    string `koanf:"issuer"`
	} `koanf:"auth"`

	RateLimit struct {
		Enabled bool    `koanf:"enabled"`
		RPS     float64 `koanf:"rps" validate:"gte=0"`
		Burst   int     `koanf:"burst" validate:"gte=0"`
	} `koanf:"rate_limit"`

	Store struct {
		Driver string `koanf:"driver" validate:"oneof=mongo memory"`
		Mongo  struct {
			URI      string `koanf:"uri"`
			Database string `koanf:"database"`
		} `koanf:"mongo"`
	} `koanf:"store"`

	Redis struct {
		Addr     string        `koanf:"addr"`
		Password string        `koanf:"password"`
		DB       int           `koanf:"db"`
		CacheTTL time.Duration `koanf:"cache_ttl"`
		LockTTL  time.Duration `koanf:"lock_ttl"`
	} `koanf:"redis"`

	Cart domain.ExpirationPolicy `koanf:"cart"`

	Pricing pricing.Rules `koanf:"pricing"`

	Catalog struct {
		URL      string            `koanf:"url"`
		Timeout  time.Duration     `koanf:"timeout"`
		Products []catalog.Product `koanf:"products"`
	} `koanf:"catalog"`

	Discount struct {
		Postgres discount.Credentials `koanf:"postgres"`
		Codes    []Promotion          `koanf:"codes"`
	} `koanf:"discount"`

	Kafka struct {
		Brokers       []string `koanf:"brokers"`
		CheckoutTopic string   `koanf:"checkout_topic"`
		GroupID       string   `koanf:"group_id"`
		EventsTopic   string   `koanf:"events_topic"`
	} `koanf:"kafka"`

	Sweeper struct {
		Interval  time.Duration `koanf:"interval"`
		BatchSize int           `koanf:"batch_size" validate:"gt=0"`
	} `koanf:"sweeper"`
}

// Promotion is a discount code declared in configuration.
type Promotion struct {
	Code             string    `koanf:"code"`
	Percent          string    `koanf:"percent"`
	FixedCents       int64     `koanf:"fixed_cents"`
	MinSubtotalCents int64     `koanf:"min_subtotal_cents"`
	StartsAt         time.Time `koanf:"starts_at"`
	EndsAt           time.Time `koanf:"ends_at"`
}

func (p Promotion) ToPricing() (pricing.Promotion, error) {
	out := pricing.Promotion{
		Code:        p.Code,
		FixedCents:  p.FixedCents,
		MinSubtotal: p.MinSubtotalCents,
		StartsAt:    p.StartsAt,
		EndsAt:      p.EndsAt,
		Active:      true,
	}
	if p.Percent != "" {
		d, err := pricing.ParseDecimal(p.Percent)
		if err != nil {
			return pricing.Promotion{}, errors.Wrapf(err, "discount code %s", p.Code)
		}
		out.Percent = d
	}
	return out, nil
}

func Default() *Config {
	cfg := &Config{ServiceName: "cart-service"}
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.HTTP.Port = 8080
	cfg.HTTP.RequestTimeout = 10 * time.Second
	cfg.HTTP.ShutdownTimeout = 10 * time.Second
	cfg.HTTP.MaxRequestBodySize = 1 << 20
	cfg.GRPC.Port = 50052
	cfg.Auth.Issuer = "go-cart"
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RPS = 20
	cfg.RateLimit.Burst = 40
	cfg.Store.Driver = "memory"
	cfg.Store.Mongo.URI = "mongodb://localhost:27017/?replicaSet=rs0"
	cfg.Store.Mongo.Database = "cart"
	cfg.Redis.CacheTTL = 15 * time.Minute
	cfg.Redis.LockTTL = 10 * time.Second
	cfg.Cart = domain.DefaultExpirationPolicy()
	cfg.Pricing = pricing.DefaultRules()
	cfg.Catalog.Timeout = 3 * time.Second
	cfg.Discount.Postgres.Port = 5432
	cfg.Kafka.CheckoutTopic = "checkout-outbox"
	cfg.Kafka.GroupID = "cart-service-consumer"
	cfg.Kafka.EventsTopic = "cart-events"
	cfg.Sweeper.Interval = time.Hour
	cfg.Sweeper.BatchSize = 500
	return cfg
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrapf(err, "config file %s", path)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "read config %s failed", path)
		}
	}

	// CART_HTTP__PORT -> http.port
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load env variables failed")
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			TagName:          "koanf",
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToTimeHookFunc(time.RFC3339),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, errors.Wrap(err, "unmarshal config failed")
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func envKey(k, v string) (string, any) {
	key := strings.TrimPrefix(k, EnvPrefix)
	key = strings.ToLower(strings.ReplaceAll(key, "__", "."))
	return key, v
}

// Promotions converts the configured discount codes.
func (c *Config) Promotions() ([]pricing.Promotion, error) {
	out := make([]pricing.Promotion, 0, len(c.Discount.Codes))
	for _, p := range c.Discount.Codes {
		promo, err := p.ToPricing()
		if err != nil {
			return nil, err
		}
		out = append(out, promo)
	}
	return out, nil
}
