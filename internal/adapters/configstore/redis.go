package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// DefaultRedisKey es el hash donde vive la configuración de mercados.
const DefaultRedisKey = "polymaker:markets"

// Redis lee los mercados de un hash: campo = condition_id, valor = el
// MarketConfig en JSON. Permite que otro proceso (el selector de mercados)
// publique la lista sin reiniciar el bot.
type Redis struct {
	rdb *redis.Client
	key string
}

// NewRedis crea un store a partir de una URL redis://. key vacío usa
// DefaultRedisKey.
func NewRedis(redisURL, key string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("configstore.NewRedis: parse url: %w", err)
	}
	return NewRedisClient(redis.NewClient(opt), key), nil
}

// NewRedisClient envuelve un cliente ya construido.
func NewRedisClient(rdb *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{rdb: rdb, key: key}
}

// Ping comprueba la conexión.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("configstore.Redis: ping: %w", err)
	}
	return nil
}

// Close cierra el cliente.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// LoadMarkets implementa ports.ConfigStore.
func (r *Redis) LoadMarkets(ctx context.Context) ([]domain.MarketConfig, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("configstore.Redis: hgetall %s: %w", r.key, err)
	}
	return decodeMarketHash(r.key, fields)
}

// decodeMarketHash decodifica los campos del hash. Una entrada ilegible se
// descarta con un warning; el hash vacío es un error de configuración.
func decodeMarketHash(key string, fields map[string]string) ([]domain.MarketConfig, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("configstore.Redis: %w: hash %s is empty", domain.ErrInvalidConfig, key)
	}

	ids := make([]string, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]domain.MarketConfig, 0, len(fields))
	for _, id := range ids {
		var m domain.MarketConfig
		if err := json.Unmarshal([]byte(fields[id]), &m); err != nil {
			slog.Warn("configstore: skipping undecodable market", "key", key, "field", id, "err", err)
			continue
		}
		if m.ConditionID == "" {
			m.ConditionID = id
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("configstore.Redis: %w: no decodable markets in %s", domain.ErrInvalidConfig, key)
	}
	return out, nil
}
