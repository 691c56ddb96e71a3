package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"livesync/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig describes the MongoDB repository connection.
type MongoConfig struct {
	URI                    string
	Database               string
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
	MaxPoolSize            uint64
	Clock                  func() time.Time
}

func newMongoConfig(uri string, opts ...Option) MongoConfig {
	cfg := MongoConfig{
		URI:                    uri,
		Database:               "livesync",
		ConnectTimeout:         10 * time.Second,
		ServerSelectionTimeout: 5 * time.Second,
		Clock:                  defaultClock,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyMongo(&cfg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = defaultClock
	}
	return cfg
}

const createPollAttempts = 3

type mongoRepository struct {
	client      *mongo.Client
	cfg         MongoConfig
	polls       *mongo.Collection
	messages    *mongo.Collection
	preferences *mongo.Collection
}

type preferencesDocument struct {
	Account       string `bson:"_id"`
	Notifications bool   `bson:"notifications"`
}

// NewMongoRepository connects to uri and ensures the collection indexes.
func NewMongoRepository(ctx context.Context, uri string, opts ...Option) (Repository, error) {
	cfg := newMongoConfig(uri, opts...)
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("mongo uri required")
	}
	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout).
		SetAppName("livesync")
	if cfg.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	db := client.Database(cfg.Database)
	repo := &mongoRepository{
		client:      client,
		cfg:         cfg,
		polls:       db.Collection("polls"),
		messages:    db.Collection("messages"),
		preferences: db.Collection("preferences"),
	}
	if err := repo.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}
	return repo, nil
}

func (r *mongoRepository) ensureIndexes(ctx context.Context) error {
	_, err := r.polls.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "active", Value: 1}},
			Options: options.Index().
				SetName("polls_single_active").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create poll indexes: %w", err)
	}
	_, err = r.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	return nil
}

func (r *mongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

func (r *mongoRepository) Close(ctx context.Context) error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Disconnect(ctx)
}

func (r *mongoRepository) ActivePoll(ctx context.Context) (models.Poll, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	var poll models.Poll
	if err := r.polls.FindOne(ctx, bson.M{"active": true}, opts).Decode(&poll); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Poll{}, ErrNotFound
		}
		return models.Poll{}, fmt.Errorf("find active poll: %w", err)
	}
	return poll.Clone(), nil
}

func (r *mongoRepository) GetPoll(ctx context.Context, id string) (models.Poll, error) {
	var poll models.Poll
	if err := r.polls.FindOne(ctx, bson.M{"_id": id}).Decode(&poll); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Poll{}, ErrNotFound
		}
		return models.Poll{}, fmt.Errorf("find poll: %w", err)
	}
	return poll.Clone(), nil
}

func (r *mongoRepository) CreatePoll(ctx context.Context, poll models.Poll) (models.Poll, error) {
	created := poll.Clone()
	if created.ID == "" {
		created.ID = generateID()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = r.cfg.Clock()
	}
	created.Active = true

	var err error
	for attempt := 0; attempt < createPollAttempts; attempt++ {
		if _, err = r.polls.UpdateMany(ctx, bson.M{"active": true}, bson.M{"$set": bson.M{"active": false}}); err != nil {
			return models.Poll{}, fmt.Errorf("deactivate polls: %w", err)
		}
		_, err = r.polls.InsertOne(ctx, created)
		if err == nil {
			return created, nil
		}
		// A concurrent creator won the single-active index; deactivate again.
		if !mongo.IsDuplicateKeyError(err) {
			break
		}
	}
	return models.Poll{}, fmt.Errorf("insert poll: %w", err)
}

func (r *mongoRepository) AppendVote(ctx context.Context, pollID string, vote models.Vote) (models.Poll, error) {
	filter := bson.M{
		"_id":           pollID,
		"active":        true,
		"options.id":    vote.OptionID,
		"voted_by.user": bson.M{"$ne": vote.User},
	}
	update := bson.M{
		"$push": bson.M{"voted_by": vote},
		"$inc":  bson.M{"options.$[opt].votes": 1},
	}
	opts := options.FindOneAndUpdate().
		SetArrayFilters(options.ArrayFilters{Filters: []interface{}{bson.M{"opt.id": vote.OptionID}}}).
		SetReturnDocument(options.After)

	var updated models.Poll
	err := r.polls.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err == nil {
		return updated.Clone(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return models.Poll{}, fmt.Errorf("append vote: %w", err)
	}

	current, err := r.GetPoll(ctx, pollID)
	if err != nil {
		return models.Poll{}, err
	}
	switch {
	case !current.Active:
		return current, ErrPollClosed
	case !current.HasOption(vote.OptionID):
		return current, ErrUnknownOption
	}
	return current, ErrAlreadyVoted
}

func (r *mongoRepository) CreateMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = generateID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.cfg.Clock()
	}
	if _, err := r.messages.InsertOne(ctx, msg); err != nil {
		return models.ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return msg, nil
}

func (r *mongoRepository) GetMessage(ctx context.Context, id string) (models.ChatMessage, error) {
	var msg models.ChatMessage
	if err := r.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.ChatMessage{}, ErrNotFound
		}
		return models.ChatMessage{}, fmt.Errorf("find chat message: %w", err)
	}
	return msg, nil
}

func (r *mongoRepository) UpdateMessage(ctx context.Context, msg models.ChatMessage, expectedRevision int64) error {
	result, err := r.messages.ReplaceOne(ctx, bson.M{"_id": msg.ID, "revision": expectedRevision}, msg)
	if err != nil {
		return fmt.Errorf("update chat message: %w", err)
	}
	if result.MatchedCount == 1 {
		return nil
	}
	if _, err := r.GetMessage(ctx, msg.ID); err != nil {
		return err
	}
	return ErrConflict
}

func (r *mongoRepository) RecentMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.messages.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer cur.Close(ctx)

	messages := make([]models.ChatMessage, 0)
	if err := cur.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode chat messages: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *mongoRepository) GetPreferences(ctx context.Context, account string) (models.Preferences, error) {
	return r.UpdatePreferences(ctx, account, models.PreferencesPatch{})
}

func (r *mongoRepository) UpdatePreferences(ctx context.Context, account string, patch models.PreferencesPatch) (models.Preferences, error) {
	defaults := models.DefaultPreferences()
	update := bson.M{"$setOnInsert": bson.M{"notifications": defaults.Notifications}}
	if patch.Notifications != nil {
		update = bson.M{"$set": bson.M{"notifications": *patch.Notifications}}
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc preferencesDocument
	if err := r.preferences.FindOneAndUpdate(ctx, bson.M{"_id": account}, update, opts).Decode(&doc); err != nil {
		return models.Preferences{}, fmt.Errorf("upsert preferences: %w", err)
	}
	return models.Preferences{Notifications: doc.Notifications}, nil
}

func (r *mongoRepository) ImportSnapshot(ctx context.Context, snapshot *Snapshot) error {
	replace := options.Replace().SetUpsert(true)
	for _, poll := range snapshot.Polls {
		if poll.Active {
			if _, err := r.polls.UpdateMany(ctx, bson.M{"active": true}, bson.M{"$set": bson.M{"active": false}}); err != nil {
				return fmt.Errorf("deactivate polls: %w", err)
			}
			break
		}
	}
	for id, poll := range snapshot.Polls {
		if _, err := r.polls.ReplaceOne(ctx, bson.M{"_id": id}, poll.Clone(), replace); err != nil {
			return fmt.Errorf("import poll %s: %w", id, err)
		}
	}
	for id, msg := range snapshot.Messages {
		if _, err := r.messages.ReplaceOne(ctx, bson.M{"_id": id}, msg, replace); err != nil {
			return fmt.Errorf("import message %s: %w", id, err)
		}
	}
	for account, prefs := range snapshot.Preferences {
		doc := preferencesDocument{Account: account, Notifications: prefs.Notifications}
		if _, err := r.preferences.ReplaceOne(ctx, bson.M{"_id": account}, doc, replace); err != nil {
			return fmt.Errorf("import preferences for %s: %w", account, err)
		}
	}
	return nil
}

func (r *mongoRepository) SnapshotCounts(ctx context.Context) (SnapshotCounts, error) {
	var counts SnapshotCounts
	polls, err := r.polls.CountDocuments(ctx, bson.M{})
	if err != nil {
		return SnapshotCounts{}, fmt.Errorf("count polls: %w", err)
	}
	messages, err := r.messages.CountDocuments(ctx, bson.M{})
	if err != nil {
		return SnapshotCounts{}, fmt.Errorf("count messages: %w", err)
	}
	prefs, err := r.preferences.CountDocuments(ctx, bson.M{})
	if err != nil {
		return SnapshotCounts{}, fmt.Errorf("count preferences: %w", err)
	}
	counts.Polls, counts.Messages, counts.Preferences = int(polls), int(messages), int(prefs)

	cur, err := r.polls.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"votes": bson.M{"$sum": bson.M{"$size": bson.M{"$ifNull": bson.A{"$voted_by", bson.A{}}}}},
		}}},
	})
	if err != nil {
		return SnapshotCounts{}, fmt.Errorf("count votes: %w", err)
	}
	defer cur.Close(ctx)
	var totals []struct {
		Votes int `bson:"votes"`
	}
	if err := cur.All(ctx, &totals); err != nil {
		return SnapshotCounts{}, fmt.Errorf("decode vote count: %w", err)
	}
	if len(totals) > 0 {
		counts.Votes = totals[0].Votes
	}
	return counts, nil
}
