package persistence

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// MongoDB 测试需要真实实例: CHATRELAY_TEST_MONGO_URI=mongodb://localhost:27017
func TestMongoStore_Contract(t *testing.T) {
	uri := os.Getenv("CHATRELAY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CHATRELAY_TEST_MONGO_URI not set")
	}

	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewMongoStore(MongoStoreConfig{
			URI:            uri,
			Database:       fmt.Sprintf("chatrelay_test_%d", time.Now().UnixNano()),
			ConnectTimeout: 5 * time.Second,
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.conversations.Database().Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}
