package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"Brokerage/internal/domain/models"
)

const (
	prefix   = "brokerage:kraken:price"
	priceTTL = 10 * time.Minute
)

type Config struct {
	Host     string
	Port     int
	Db       int
	Password string
}

// Redis caches the last streamed price per symbol. It is a freshness
// hint for simulation warnings, never a pricing source for execution.
type Redis struct {
	client *redis.Client
}

func New(cfg Config) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Password: cfg.Password,
		DB:       cfg.Db,
	})
	return &Redis{client: client}
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func (s *Redis) SavePrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	log := slog.With("method", "SavePrice")

	key := fmt.Sprintf("%s:%s", prefix, symbol)
	if err := s.client.Set(ctx, key, price.String(), priceTTL).Err(); err != nil {
		log.Error("failed to save price", "symbol", symbol, "err", err)
		return fmt.Errorf("failed to save price: %w", err)
	}
	return nil
}

func (s *Redis) SavePrices(ctx context.Context, updates []models.PriceUpdate) error {
	log := slog.With("method", "SavePrices")

	pipe := s.client.Pipeline()
	for _, u := range updates {
		key := fmt.Sprintf("%s:%s", prefix, u.Symbol)
		pipe.Set(ctx, key, u.Price, priceTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error("failed to save prices", "err", err)
		return fmt.Errorf("failed to save prices: %w", err)
	}
	return nil
}

func (s *Redis) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	log := slog.With("method", "GetPrice")

	data, err := s.client.Get(ctx, prefix+":"+symbol).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get price: %w", err)
	}

	price, err := decimal.NewFromString(data)
	if err != nil {
		log.Error("failed to parse cached price", "data", data, "err", err)
		return decimal.Zero, fmt.Errorf("failed to parse cached price: %w", err)
	}
	return price, nil
}
