package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/primoia/conductor-sub000/pkg/messages"
	"github.com/primoia/conductor-sub000/pkg/models"
)

// Collection names shared with the execution watcher.
const (
	TasksCollection          = "tasks"
	ConversationsCollection  = "conversations"
	ScreenplaysCollection    = "screenplays"
	AgentInstancesCollection = "agent_instances"
)

var _ Store = (*MongoStore)(nil)

// MongoStore implements Store on MongoDB.
type MongoStore struct {
	client        *mongo.Client
	tasks         *mongo.Collection
	conversations *mongo.Collection
	screenplays   *mongo.Collection
	instances     *mongo.Collection
	logger        *zap.Logger
}

// NewMongoStore connects to uri, selects database and creates the indexes
// the store relies on.
func NewMongoStore(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := options.Client().
		ApplyURI(uri).
		SetAppName("conductor").
		SetServerSelectionTimeout(3 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:        client,
		tasks:         db.Collection(TasksCollection),
		conversations: db.Collection(ConversationsCollection),
		screenplays:   db.Collection(ScreenplaysCollection),
		instances:     db.Collection(AgentInstancesCollection),
		logger:        logger.With(zap.String("component", "taskstore")),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.logger.Info("connected to mongodb", zap.String("database", database))
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().
				SetName("uniq_idempotency_key").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$type": "string"}}),
		},
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("conversation_created"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create task indexes: %w", err)
	}
	_, err = s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}},
		Options: options.Index().SetName("uniq_conversation_id").SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation index: %w", err)
	}
	_, err = s.instances.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "agent_id", Value: 1}},
		Options: options.Index().SetName("conversation_agent"),
	})
	if err != nil {
		return fmt.Errorf("failed to create agent instance index: %w", err)
	}
	return nil
}

func (s *MongoStore) InsertTask(ctx context.Context, task *models.TaskDocument) error {
	if err := ValidateTask(task); err != nil {
		fields := []zap.Field{zap.Error(err)}
		if task != nil {
			fields = append(fields, zap.String("task_id", task.ID), zap.String("agent_id", task.AgentID))
		}
		s.logger.Error("rejected task document", fields...)
		return err
	}
	if _, err := s.tasks.InsertOne(ctx, task); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("task %s: %w", task.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *MongoStore) findTask(ctx context.Context, filter bson.M) (*models.TaskDocument, error) {
	var task models.TaskDocument
	if err := s.tasks.FindOne(ctx, filter).Decode(&task); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find task: %w", err)
	}
	return &task, nil
}

func (s *MongoStore) GetTask(ctx context.Context, taskID string) (*models.TaskDocument, error) {
	return s.findTask(ctx, bson.M{"_id": taskID})
}

func (s *MongoStore) FindTaskByIdempotencyKey(ctx context.Context, key string) (*models.TaskDocument, error) {
	return s.findTask(ctx, bson.M{"idempotency_key": key})
}

func (s *MongoStore) RecentTaskSources(ctx context.Context, conversationID string, limit int) ([]messages.Source, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetProjection(bson.M{"source": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.tasks.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query task sources: %w", err)
	}
	var rows []struct {
		Source messages.Source `bson:"source"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode task sources: %w", err)
	}
	sources := make([]messages.Source, len(rows))
	for i, r := range rows {
		sources[i] = r.Source
	}
	return sources, nil
}

func (s *MongoStore) ConversationHistory(ctx context.Context, conversationID string, limit int) ([]*models.TaskDocument, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"status":          bson.M{"$in": []models.TaskStatus{models.TaskStatusCompleted, models.TaskStatusError}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.tasks.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation history: %w", err)
	}
	var tasks []*models.TaskDocument
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("failed to decode conversation history: %w", err)
	}
	// oldest first
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	return tasks, nil
}

func (s *MongoStore) CompleteTask(ctx context.Context, taskID, result string, exitCode int, duration time.Duration) error {
	update := bson.M{"$set": bson.M{
		"status":     completionStatus(exitCode),
		"result":     result,
		"exit_code":  exitCode,
		"duration":   duration.Seconds(),
		"severity":   models.DeriveSeverity(result, exitCode),
		"updated_at": time.Now().UTC(),
	}}
	res, err := s.tasks.UpdateOne(ctx, bson.M{"_id": taskID}, update)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	opts := options.FindOne().SetProjection(bson.M{
		"conversation_id": 1, "max_chain_depth": 1, "auto_delegate": 1, "updated_at": 1,
	})
	err := s.conversations.FindOne(ctx, bson.M{"conversation_id": conversationID}, opts).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return &conv, nil
}

func (s *MongoStore) EnsureConversation(ctx context.Context, conversationID string) error {
	now := time.Now().UTC()
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"conversation_id": conversationID},
		bson.M{"$setOnInsert": bson.M{"conversation_id": conversationID, "created_at": now, "updated_at": now}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("failed to ensure conversation: %w", err)
	}
	return nil
}

func (s *MongoStore) UpdateConversationSettings(ctx context.Context, conversationID string, update models.SettingsUpdate) (*models.Conversation, error) {
	set := bson.M{"updated_at": time.Now().UTC()}
	unset := bson.M{}
	if update.MaxChainDepth != nil {
		if *update.MaxChainDepth == 0 {
			unset["max_chain_depth"] = ""
		} else {
			set["max_chain_depth"] = *update.MaxChainDepth
		}
	}
	if update.AutoDelegate != nil {
		set["auto_delegate"] = *update.AutoDelegate
	}
	doc := bson.M{"$set": set}
	if len(unset) > 0 {
		doc["$unset"] = unset
	}

	var conv models.Conversation
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := s.conversations.FindOneAndUpdate(ctx, bson.M{"conversation_id": conversationID}, doc, opts).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update conversation settings: %w", err)
	}
	return &conv, nil
}

func (s *MongoStore) SquadMembers(ctx context.Context, conversationID string) ([]string, error) {
	res := s.instances.Distinct(ctx, "agent_id", bson.M{"conversation_id": conversationID})
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("failed to query squad: %w", err)
	}
	var members []string
	if err := res.Decode(&members); err != nil {
		return nil, fmt.Errorf("failed to decode squad: %w", err)
	}
	return members, nil
}

func (s *MongoStore) AddAgentInstance(ctx context.Context, instance *models.AgentInstance) error {
	if _, err := s.instances.InsertOne(ctx, instance); err != nil {
		return fmt.Errorf("failed to insert agent instance: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateScreenplay(ctx context.Context, sp *models.Screenplay) error {
	if _, err := s.screenplays.InsertOne(ctx, sp); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("screenplay %s: %w", sp.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to insert screenplay: %w", err)
	}
	return nil
}

func (s *MongoStore) GetScreenplay(ctx context.Context, id string) (*models.Screenplay, error) {
	var sp models.Screenplay
	if err := s.screenplays.FindOne(ctx, bson.M{"_id": id}).Decode(&sp); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find screenplay: %w", err)
	}
	return &sp, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
