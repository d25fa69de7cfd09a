package persistence

import (
	"fmt"

	"github.com/BaSui01/chatrelay/internal/database"
)

// NewStore creates a Store based on the configuration.
// pool is required for StoreTypeSQL and ignored otherwise.
func NewStore(config StoreConfig, pool *database.PoolManager) (Store, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeRedis:
		client, err := newRedisClient(config.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, config), nil
	case StoreTypeSQL:
		if pool == nil {
			return nil, fmt.Errorf("sql store requires a database pool")
		}
		return NewGormStore(pool, config), nil
	case StoreTypeMongo:
		return NewMongoStore(config.Mongo)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
