package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore is a MongoDB implementation of Store.
// Message inserts and counter updates share a transaction when the server is a
// replica set member or mongos; on a standalone server the counter update runs
// first as a single-document atomic $inc.
type MongoDBStore struct {
	client        *mongo.Client
	database      *mongo.Database
	conversations *mongo.Collection
	messages      *mongo.Collection
	usage         *mongo.Collection
	toolCalls     *mongo.Collection
	transactions  bool
}

// MongoDBStoreConfig holds configuration for MongoDBStore
type MongoDBStoreConfig struct {
	URI      string // MongoDB connection URI (e.g., "mongodb://localhost:27017")
	Database string // Database name (default: "agentdesk")
}

// DefaultMongoDBStoreConfig returns default configuration
func DefaultMongoDBStoreConfig() MongoDBStoreConfig {
	return MongoDBStoreConfig{
		URI:      "mongodb://localhost:27017",
		Database: "agentdesk",
	}
}

type conversationDoc struct {
	ID             string    `bson:"_id"`
	ClientID       string    `bson:"client_id"`
	SessionKey     string    `bson:"session_key"`
	Status         string    `bson:"status"`
	EndReason      string    `bson:"end_reason"`
	StartedAt      time.Time `bson:"started_at"`
	EndedAt        time.Time `bson:"ended_at"`
	LastActivityAt time.Time `bson:"last_activity_at"`
	MessageCount   int       `bson:"message_count"`
	TokenCount     int       `bson:"token_count"`
}

func (d conversationDoc) toModel() *model.Conversation {
	return &model.Conversation{
		ID:             d.ID,
		ClientID:       d.ClientID,
		SessionKey:     d.SessionKey,
		Status:         model.ConversationStatus(d.Status),
		EndReason:      model.EndReason(d.EndReason),
		StartedAt:      d.StartedAt.UTC(),
		EndedAt:        d.EndedAt.UTC(),
		LastActivityAt: d.LastActivityAt.UTC(),
		MessageCount:   d.MessageCount,
		TokenCount:     d.TokenCount,
	}
}

type messageDoc struct {
	ID             string         `bson:"_id"`
	ConversationID string         `bson:"conversation_id"`
	Seq            int64          `bson:"seq"`
	Role           string         `bson:"role"`
	Content        string         `bson:"content"`
	Tokens         int            `bson:"tokens"`
	Metadata       map[string]any `bson:"metadata,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
}

type usageDoc struct {
	ClientID  string    `bson:"client_id"`
	TokensIn  int       `bson:"tokens_in"`
	TokensOut int       `bson:"tokens_out"`
	ToolCalls int       `bson:"tool_calls"`
	Cost      float64   `bson:"cost"`
	CreatedAt time.Time `bson:"created_at"`
}

type toolCallDoc struct {
	CallID         string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	ClientID       string    `bson:"client_id"`
	Name           string    `bson:"name"`
	Arguments      string    `bson:"arguments"`
	Provenance     string    `bson:"provenance"`
	Outcome        string    `bson:"outcome"`
	Response       string    `bson:"response"`
	DurationMs     int64     `bson:"duration_ms"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

// NewMongoDBStore creates a new MongoDB store
func NewMongoDBStore(config MongoDBStoreConfig) (*MongoDBStore, error) {
	if config.URI == "" {
		config.URI = "mongodb://localhost:27017"
	}
	if config.Database == "" {
		config.Database = "agentdesk"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(config.URI)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := client.Database(config.Database)
	store := &MongoDBStore{
		client:        client,
		database:      database,
		conversations: database.Collection("conversations"),
		messages:      database.Collection("messages"),
		usage:         database.Collection("usage"),
		toolCalls:     database.Collection("tool_calls"),
	}
	store.transactions = supportsTransactions(ctx, client)
	if !store.transactions {
		log.Log.Warnf("[MongoDBStore] ⚠️  Server is standalone; message inserts and counter updates will not share a transaction")
	}

	if err := store.initIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return store, nil
}

// supportsTransactions reports whether the server is a replica set member or mongos
func supportsTransactions(ctx context.Context, client *mongo.Client) bool {
	var hello bson.M
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return false
	}
	if _, ok := hello["setName"]; ok {
		return true
	}
	return hello["msg"] == "isdbgrid"
}

// initIndexes creates the necessary indexes
func (s *MongoDBStore) initIndexes(ctx context.Context) error {
	// One active conversation per (client, session)
	_, err := s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "client_id", Value: 1},
			{Key: "session_key", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{
			"status": string(model.ConversationActive),
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create unique active session index: %w", err)
	}

	_, err = s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_activity_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create activity index: %w", err)
	}

	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create message sequence index: %w", err)
	}

	_, err = s.usage.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "client_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create usage index: %w", err)
	}

	_, err = s.toolCalls.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create tool call index: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// FindActiveBySession returns the active conversation for a session
func (s *MongoDBStore) FindActiveBySession(ctx context.Context, clientID, sessionKey string) (*model.Conversation, error) {
	var doc conversationDoc
	err := s.conversations.FindOne(ctx, bson.M{
		"client_id":   clientID,
		"session_key": sessionKey,
		"status":      string(model.ConversationActive),
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active conversation: %w", err)
	}
	return doc.toModel(), nil
}

// Create stores a new conversation
func (s *MongoDBStore) Create(ctx context.Context, conv *model.Conversation) error {
	if conv == nil {
		return fmt.Errorf("conversation cannot be nil")
	}
	_, err := s.conversations.InsertOne(ctx, conversationDoc{
		ID:             conv.ID,
		ClientID:       conv.ClientID,
		SessionKey:     conv.SessionKey,
		Status:         string(conv.Status),
		EndReason:      string(conv.EndReason),
		StartedAt:      conv.StartedAt,
		EndedAt:        conv.EndedAt,
		LastActivityAt: conv.LastActivityAt,
		MessageCount:   conv.MessageCount,
		TokenCount:     conv.TokenCount,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrActiveExists
	}
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// Get returns a conversation by id
func (s *MongoDBStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	var doc conversationDoc
	err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return doc.toModel(), nil
}

// End marks an active conversation as ended
func (s *MongoDBStore) End(ctx context.Context, id string, reason model.EndReason, at time.Time) (bool, error) {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(model.ConversationActive)},
		bson.M{"$set": bson.M{
			"status":     string(model.ConversationEnded),
			"end_reason": string(reason),
			"ended_at":   at.UTC(),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to end conversation: %w", err)
	}
	if res.ModifiedCount > 0 {
		return true, nil
	}

	n, err := s.conversations.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("failed to end conversation: %w", err)
	}
	if n == 0 {
		return false, model.ErrNotFound
	}
	return false, nil
}

// FindInactiveSince returns active conversations idle since before t
func (s *MongoDBStore) FindInactiveSince(ctx context.Context, t time.Time) ([]*model.Conversation, error) {
	cursor, err := s.conversations.Find(ctx,
		bson.M{
			"status":           string(model.ConversationActive),
			"last_activity_at": bson.M{"$lt": t.UTC()},
		},
		options.Find().SetSort(bson.D{{Key: "last_activity_at", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query inactive conversations: %w", err)
	}

	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	out := make([]*model.Conversation, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toModel())
	}
	return out, nil
}

// AppendMessage stores a message and updates the conversation counters
func (s *MongoDBStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	if !s.transactions {
		seq, err := s.appendMessage(ctx, msg)
		if err != nil {
			return err
		}
		msg.Seq = seq
		return nil
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return s.appendMessage(sc, msg)
	})
	if err != nil {
		return err
	}
	msg.Seq = result.(int64)
	return nil
}

func (s *MongoDBStore) appendMessage(ctx context.Context, msg *model.Message) (int64, error) {
	var conv conversationDoc
	err := s.conversations.FindOneAndUpdate(ctx,
		bson.M{"_id": msg.ConversationID},
		bson.M{
			"$inc": bson.M{"message_count": 1, "token_count": msg.Tokens},
			"$set": bson.M{"last_activity_at": msg.CreatedAt.UTC()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, model.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update conversation counters: %w", err)
	}

	seq := int64(conv.MessageCount)
	_, err = s.messages.InsertOne(ctx, messageDoc{
		ID:             msg.MessageID,
		ConversationID: msg.ConversationID,
		Seq:            seq,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Tokens:         msg.Tokens,
		Metadata:       msg.Metadata,
		CreatedAt:      msg.CreatedAt.UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store message: %w", err)
	}
	return seq, nil
}

// ListMessages returns a conversation's messages in insertion order
func (s *MongoDBStore) ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	cursor, err := s.messages.Find(ctx,
		bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	out := make([]*model.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, &model.Message{
			MessageID:      d.ID,
			ConversationID: d.ConversationID,
			Seq:            d.Seq,
			Role:           model.Role(d.Role),
			Content:        d.Content,
			Tokens:         d.Tokens,
			Metadata:       d.Metadata,
			CreatedAt:      d.CreatedAt.UTC(),
		})
	}
	return out, nil
}

// AddUsage records usage for a client
func (s *MongoDBStore) AddUsage(ctx context.Context, clientID string, rec model.UsageRecord, at time.Time) error {
	_, err := s.usage.InsertOne(ctx, usageDoc{
		ClientID:  clientID,
		TokensIn:  rec.TokensIn,
		TokensOut: rec.TokensOut,
		ToolCalls: rec.ToolCalls,
		Cost:      rec.Cost,
		CreatedAt: at.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// UsageSince sums a metric for a client since the given time
func (s *MongoDBStore) UsageSince(ctx context.Context, clientID, metric string, since time.Time) (int64, error) {
	var sum any
	switch metric {
	case model.MetricMessages:
		sum = 1
	case model.MetricTokens:
		sum = bson.M{"$add": bson.A{"$tokens_in", "$tokens_out"}}
	case model.MetricToolCalls:
		sum = "$tool_calls"
	default:
		return 0, nil
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"client_id": clientID, "created_at": bson.M{"$gte": since.UTC()}}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": sum}}}},
	}
	cursor, err := s.usage.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate usage: %w", err)
	}

	var results []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return 0, fmt.Errorf("failed to decode usage: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0].Total, nil
}

// PutToolCall stores or replaces a tool call record
func (s *MongoDBStore) PutToolCall(ctx context.Context, rec *model.ToolCallRecord) error {
	if rec == nil {
		return fmt.Errorf("tool call cannot be nil")
	}
	doc := toolCallDoc{
		CallID:         rec.CallID,
		ConversationID: rec.ConversationID,
		ClientID:       rec.ClientID,
		Name:           rec.Name,
		Arguments:      rec.Arguments,
		Provenance:     string(rec.Provenance),
		Outcome:        string(rec.Outcome),
		Response:       rec.Response,
		DurationMs:     rec.DurationMs,
		CreatedAt:      rec.CreatedAt.UTC(),
		UpdatedAt:      rec.UpdatedAt.UTC(),
	}
	_, err := s.toolCalls.ReplaceOne(ctx, bson.M{"_id": rec.CallID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store tool call: %w", err)
	}
	return nil
}

// UpdateToolCallOutcome sets the outcome and response of a tool call
func (s *MongoDBStore) UpdateToolCallOutcome(ctx context.Context, callID string, outcome model.ToolOutcome, response string, durationMs int64) error {
	res, err := s.toolCalls.UpdateOne(ctx,
		bson.M{"_id": callID},
		bson.M{"$set": bson.M{
			"outcome":     string(outcome),
			"response":    response,
			"duration_ms": durationMs,
			"updated_at":  time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update tool call: %w", err)
	}
	if res.MatchedCount == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ListToolCalls returns a conversation's tool calls in insertion order
func (s *MongoDBStore) ListToolCalls(ctx context.Context, conversationID string) ([]*model.ToolCallRecord, error) {
	cursor, err := s.toolCalls.Find(ctx,
		bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}

	var docs []toolCallDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode tool calls: %w", err)
	}
	out := make([]*model.ToolCallRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, &model.ToolCallRecord{
			CallID:         d.CallID,
			ConversationID: d.ConversationID,
			ClientID:       d.ClientID,
			Name:           d.Name,
			Arguments:      d.Arguments,
			Provenance:     model.Provenance(d.Provenance),
			Outcome:        model.ToolOutcome(d.Outcome),
			Response:       d.Response,
			DurationMs:     d.DurationMs,
			CreatedAt:      d.CreatedAt.UTC(),
			UpdatedAt:      d.UpdatedAt.UTC(),
		})
	}
	return out, nil
}
