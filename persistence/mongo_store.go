package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/BaSui01/chatrelay/types"
)

const (
	mongoConversationsCollection = "conversations"
	mongoSettingsCollection      = "settings"
	mongoDelayPolicyID           = "delay_policy"
)

// conversationDocument keeps a conversation, its messages and its transfer log
// in one document so every Commit is a single-document replace.
type conversationDocument struct {
	types.Conversation `bson:",inline"`
	Transfers          []types.TransferEvent `bson:"transfers"`
	Messages           []*types.Message      `bson:"messages"`
}

type delayPolicyDocument struct {
	ID                string `bson:"_id"`
	types.DelayPolicy `bson:",inline"`
}

// MongoStore is a MongoDB implementation of Store.
// Commit replaces the conversation document filtered on {_id, version}.
type MongoStore struct {
	client        *mongo.Client
	conversations *mongo.Collection
	settings      *mongo.Collection
}

// NewMongoStore connects to MongoDB and returns a store over the configured database
func NewMongoStore(config MongoStoreConfig) (*MongoStore, error) {
	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(config.URI).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := config.Database
	if dbName == "" {
		dbName = "chatrelay"
	}
	return newMongoStoreWithClient(client, dbName), nil
}

func newMongoStoreWithClient(client *mongo.Client, dbName string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		client:        client,
		conversations: db.Collection(mongoConversationsCollection),
		settings:      db.Collection(mongoSettingsCollection),
	}
}

// Close disconnects the client
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks if the store is healthy
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// loadDocument returns nil, nil when the conversation does not exist
func (s *MongoStore) loadDocument(ctx context.Context, id string) (*conversationDocument, error) {
	var doc conversationDocument
	err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return &doc, nil
}

// GetConversation retrieves a conversation by ID
func (s *MongoStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	doc, err := s.loadDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc.Conversation.Clone(), nil
}

// Commit applies w as a single-document insert or version-filtered replace
func (s *MongoStore) Commit(ctx context.Context, w Write) error {
	if err := validateWrite(w); err != nil {
		return err
	}
	id := w.Conversation.ID

	if w.ExpectedVersion == 0 {
		if len(w.MessageUpdates) > 0 {
			return ErrNotFound
		}
		doc := &conversationDocument{
			Conversation: *w.Conversation.Clone(),
			Transfers:    append([]types.TransferEvent{}, w.Transfers...),
			Messages:     cloneMessages(id, w.Messages),
		}
		doc.Version = 1
		if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: conversation already exists", ErrVersionConflict)
			}
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		w.Conversation.Version = 1
		return nil
	}

	doc, err := s.loadDocument(ctx, id)
	if err != nil {
		return err
	}
	var stored *types.Conversation
	if doc != nil {
		stored = &doc.Conversation
	}
	if err := checkVersion(stored, w.ExpectedVersion); err != nil {
		return err
	}

	index := make(map[string]int, len(doc.Messages))
	for i, m := range doc.Messages {
		index[m.ID] = i
	}
	for _, m := range w.Messages {
		if _, dup := index[m.ID]; dup {
			return ErrAlreadyExists
		}
	}
	for _, u := range w.MessageUpdates {
		i, ok := index[u.MessageID]
		if !ok {
			return ErrNotFound
		}
		if err := advanceMessage(doc.Messages[i], u); err != nil {
			return err
		}
	}

	doc.Conversation = *w.Conversation.Clone()
	doc.Version = w.ExpectedVersion + 1
	doc.Transfers = append(doc.Transfers, w.Transfers...)
	doc.Messages = append(doc.Messages, cloneMessages(id, w.Messages)...)

	res, err := s.conversations.ReplaceOne(ctx, bson.M{"_id": id, "version": w.ExpectedVersion}, doc)
	if err != nil {
		return fmt.Errorf("failed to replace conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: expected version %d", ErrVersionConflict, w.ExpectedVersion)
	}
	w.Conversation.Version = doc.Version
	return nil
}

func cloneMessages(conversationID string, msgs []*types.Message) []*types.Message {
	out := make([]*types.Message, 0, len(msgs))
	for _, m := range msgs {
		cp := m.Clone()
		cp.ConversationID = conversationID
		out = append(out, cp)
	}
	return out
}

// ListTransfers returns the transfer log of a conversation
func (s *MongoStore) ListTransfers(ctx context.Context, conversationID string) ([]types.TransferEvent, error) {
	doc, err := s.loadDocument(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return append([]types.TransferEvent{}, doc.Transfers...), nil
}

// GetMessage retrieves a message by ID
func (s *MongoStore) GetMessage(ctx context.Context, conversationID, messageID string) (*types.Message, error) {
	doc, err := s.loadDocument(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	for _, m := range doc.Messages {
		if m.ID == messageID {
			return m, nil
		}
	}
	return nil, ErrNotFound
}

// ListMessages returns the messages of a conversation in append order
func (s *MongoStore) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	doc, err := s.loadDocument(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	if doc.Messages == nil {
		return []*types.Message{}, nil
	}
	return doc.Messages, nil
}

// AddReaction pushes the reaction onto the matched message unless an identical one exists
func (s *MongoStore) AddReaction(ctx context.Context, conversationID, messageID string, r types.Reaction) (bool, error) {
	filter := bson.M{
		"_id": conversationID,
		"messages": bson.M{"$elemMatch": bson.M{
			"id": messageID,
			"reactions": bson.M{"$not": bson.M{"$elemMatch": bson.M{
				"emoji":      r.Emoji,
				"actor_kind": r.ActorKind,
				"actor":      r.Actor,
			}}},
		}},
	}
	update := bson.M{"$push": bson.M{"messages.$.reactions": r}}

	res, err := s.conversations.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to add reaction: %w", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	// 未匹配: 要么消息不存在, 要么相同的反应已存在
	if _, err := s.GetMessage(ctx, conversationID, messageID); err != nil {
		return false, err
	}
	return false, nil
}

// GetDelayPolicy returns the stored delay policy
func (s *MongoStore) GetDelayPolicy(ctx context.Context) (*types.DelayPolicy, error) {
	var doc delayPolicyDocument
	err := s.settings.FindOne(ctx, bson.M{"_id": mongoDelayPolicyID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delay policy: %w", err)
	}
	p := doc.DelayPolicy
	return &p, nil
}

// SaveDelayPolicy upserts the policy document
func (s *MongoStore) SaveDelayPolicy(ctx context.Context, p *types.DelayPolicy) error {
	if p == nil {
		return ErrInvalidInput
	}
	doc := delayPolicyDocument{ID: mongoDelayPolicyID, DelayPolicy: *p}
	_, err := s.settings.ReplaceOne(ctx, bson.M{"_id": mongoDelayPolicyID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save delay policy: %w", err)
	}
	return nil
}
