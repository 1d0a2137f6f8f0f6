package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	accountsCollection      = "users"
	subscriptionsCollection = "subscriptions"
)

type accountDocument struct {
	ID               bson.ObjectID `bson:"_id,omitempty"`
	Username         string        `bson:"username"`
	Email            string        `bson:"email"`
	FullName         string        `bson:"fullName"`
	Avatar           string        `bson:"avatar"`
	CoverImage       string        `bson:"coverImage,omitempty"`
	Password         string        `bson:"password"`
	RefreshToken     *string       `bson:"refreshToken"`
	SessionExpiresAt *time.Time    `bson:"sessionExpiresAt"`
	CreatedAt        time.Time     `bson:"createdAt"`
	UpdatedAt        time.Time     `bson:"updatedAt"`
}

func (d accountDocument) account() Account {
	a := Account{
		ID:            d.ID.Hex(),
		Username:      d.Username,
		Email:         d.Email,
		FullName:      d.FullName,
		AvatarURL:     d.Avatar,
		CoverImageURL: d.CoverImage,
		PasswordHash:  d.Password,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	if d.RefreshToken != nil {
		a.RefreshToken = *d.RefreshToken
	}
	if d.SessionExpiresAt != nil {
		value := d.SessionExpiresAt.UTC()
		a.SessionExpiresAt = &value
	}
	return a
}

// MongoStore keeps accounts as documents. Every session mutation is a single
// UpdateOne, which MongoDB applies atomically per document.
type MongoStore struct {
	client        *mongo.Client
	accounts      *mongo.Collection
	subscriptions *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

func ConnectMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return NewMongoStore(client, database), nil
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:        client,
		accounts:      db.Collection(accountsCollection),
		subscriptions: db.Collection(subscriptionsCollection),
	}
}

// EnsureIndexes creates the unique indexes behind ErrConflict. Idempotent.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.accounts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "sessionExpiresAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create account indexes: %w", err)
	}

	_, err = s.subscriptions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "subscriber", Value: 1}, {Key: "channel", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "channel", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create subscription indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, input NewAccount) (Account, error) {
	now := time.Now().UTC()
	doc := accountDocument{
		ID:         bson.NewObjectID(),
		Username:   Normalize(input.Username),
		Email:      Normalize(input.Email),
		FullName:   input.FullName,
		Avatar:     input.AvatarURL,
		CoverImage: input.CoverImageURL,
		Password:   input.PasswordHash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if _, err := s.accounts.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Account{}, ErrConflict
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	return doc.account(), nil
}

// FindByIdentifier prefers a username match over an email match.
func (s *MongoStore) FindByIdentifier(ctx context.Context, username, email string) (Account, error) {
	if username = Normalize(username); username != "" {
		a, err := s.findOne(ctx, "query account by username", bson.D{{Key: "username", Value: username}})
		if !errors.Is(err, ErrNotFound) {
			return a, err
		}
	}
	if email = Normalize(email); email != "" {
		return s.findOne(ctx, "query account by email", bson.D{{Key: "email", Value: email}})
	}
	return Account{}, ErrNotFound
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (Account, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return Account{}, ErrNotFound
	}
	return s.findOne(ctx, "query account by id", bson.D{{Key: "_id", Value: oid}})
}

func (s *MongoStore) findOne(ctx context.Context, op string, filter bson.D) (Account, error) {
	var doc accountDocument
	if err := s.accounts.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("%s: %w", op, err)
	}
	return doc.account(), nil
}

func (s *MongoStore) SetSessionSecret(ctx context.Context, id, token string, expiresAt time.Time) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}

	return s.updateOne(ctx, "set session secret", bson.D{{Key: "_id", Value: oid}}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "refreshToken", Value: token},
		{Key: "sessionExpiresAt", Value: expiresAt.UTC()},
		{Key: "updatedAt", Value: time.Now().UTC()},
	}}}, ErrNotFound)
}

func (s *MongoStore) SwapSessionSecret(ctx context.Context, id, current, next string, expiresAt time.Time) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil || current == "" {
		return ErrSessionMismatch
	}

	filter := bson.D{{Key: "_id", Value: oid}, {Key: "refreshToken", Value: current}}
	return s.updateOne(ctx, "rotate session secret", filter, bson.D{{Key: "$set", Value: bson.D{
		{Key: "refreshToken", Value: next},
		{Key: "sessionExpiresAt", Value: expiresAt.UTC()},
		{Key: "updatedAt", Value: time.Now().UTC()},
	}}}, ErrSessionMismatch)
}

func (s *MongoStore) ClearSessionSecret(ctx context.Context, id string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}

	return s.updateOne(ctx, "clear session secret", bson.D{{Key: "_id", Value: oid}}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "refreshToken", Value: nil},
		{Key: "sessionExpiresAt", Value: nil},
		{Key: "updatedAt", Value: time.Now().UTC()},
	}}}, ErrNotFound)
}

func (s *MongoStore) ClearExpiredSessions(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = defaultCleanupBatch
	}

	filter := bson.D{
		{Key: "refreshToken", Value: bson.D{{Key: "$ne", Value: nil}}},
		{Key: "sessionExpiresAt", Value: bson.D{{Key: "$lt", Value: before.UTC()}}},
	}
	cursor, err := s.accounts.Find(ctx, filter, options.Find().
		SetProjection(bson.D{{Key: "_id", Value: 1}}).
		SetSort(bson.D{{Key: "sessionExpiresAt", Value: 1}}).
		SetLimit(int64(batchSize)))
	if err != nil {
		return 0, fmt.Errorf("find expired sessions: %w", err)
	}

	var stale []struct {
		ID bson.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &stale); err != nil {
		return 0, fmt.Errorf("read expired sessions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make(bson.A, 0, len(stale))
	for _, doc := range stale {
		ids = append(ids, doc.ID)
	}

	// The expiry filter is repeated so a session rotated in between is kept.
	res, err := s.accounts.UpdateMany(ctx,
		append(bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}}, filter...),
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "refreshToken", Value: nil},
			{Key: "sessionExpiresAt", Value: nil},
		}}},
	)
	if err != nil {
		return 0, fmt.Errorf("clear expired sessions: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}

	return s.updateOne(ctx, "update password hash", bson.D{{Key: "_id", Value: oid}}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "password", Value: hash},
		{Key: "updatedAt", Value: time.Now().UTC()},
	}}}, ErrNotFound)
}

func (s *MongoStore) UpdateDetails(ctx context.Context, id, fullName, email string) (Account, error) {
	return s.findAndSet(ctx, "update account details", id, bson.D{
		{Key: "fullName", Value: fullName},
		{Key: "email", Value: Normalize(email)},
	})
}

func (s *MongoStore) UpdateAvatar(ctx context.Context, id, url string) (Account, error) {
	return s.findAndSet(ctx, "update avatar", id, bson.D{{Key: "avatar", Value: url}})
}

func (s *MongoStore) UpdateCoverImage(ctx context.Context, id, url string) (Account, error) {
	return s.findAndSet(ctx, "update cover image", id, bson.D{{Key: "coverImage", Value: url}})
}

func (s *MongoStore) findAndSet(ctx context.Context, op, id string, fields bson.D) (Account, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return Account{}, ErrNotFound
	}

	fields = append(fields, bson.E{Key: "updatedAt", Value: time.Now().UTC()})
	var doc accountDocument
	err = s.accounts.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: oid}},
		bson.D{{Key: "$set", Value: fields}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Account{}, ErrNotFound
		}
		if mongo.IsDuplicateKeyError(err) {
			return Account{}, ErrConflict
		}
		return Account{}, fmt.Errorf("%s: %w", op, err)
	}
	return doc.account(), nil
}

func (s *MongoStore) updateOne(ctx context.Context, op string, filter, update bson.D, noMatch error) error {
	res, err := s.accounts.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return noMatch
	}
	return nil
}

func (s *MongoStore) ChannelProfile(ctx context.Context, username, viewerID string) (ChannelProfile, error) {
	viewer, _ := bson.ObjectIDFromHex(viewerID)

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "username", Value: Normalize(username)}}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: subscriptionsCollection},
			{Key: "localField", Value: "_id"},
			{Key: "foreignField", Value: "channel"},
			{Key: "as", Value: "subscribers"},
		}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: subscriptionsCollection},
			{Key: "localField", Value: "_id"},
			{Key: "foreignField", Value: "subscriber"},
			{Key: "as", Value: "subscribedTo"},
		}}},
		{{Key: "$addFields", Value: bson.D{
			{Key: "subscribersCount", Value: bson.D{{Key: "$size", Value: "$subscribers"}}},
			{Key: "channelsSubscribedToCount", Value: bson.D{{Key: "$size", Value: "$subscribedTo"}}},
			{Key: "isSubscribed", Value: bson.D{{Key: "$in", Value: bson.A{viewer, "$subscribers.subscriber"}}}},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "username", Value: 1},
			{Key: "fullName", Value: 1},
			{Key: "email", Value: 1},
			{Key: "avatar", Value: 1},
			{Key: "coverImage", Value: 1},
			{Key: "subscribersCount", Value: 1},
			{Key: "channelsSubscribedToCount", Value: 1},
			{Key: "isSubscribed", Value: 1},
		}}},
	}

	cursor, err := s.accounts.Aggregate(ctx, pipeline)
	if err != nil {
		return ChannelProfile{}, fmt.Errorf("aggregate channel profile: %w", err)
	}

	var rows []struct {
		ID                        bson.ObjectID `bson:"_id"`
		Username                  string        `bson:"username"`
		FullName                  string        `bson:"fullName"`
		Email                     string        `bson:"email"`
		Avatar                    string        `bson:"avatar"`
		CoverImage                string        `bson:"coverImage"`
		SubscribersCount          int64         `bson:"subscribersCount"`
		ChannelsSubscribedToCount int64         `bson:"channelsSubscribedToCount"`
		IsSubscribed              bool          `bson:"isSubscribed"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return ChannelProfile{}, fmt.Errorf("read channel profile: %w", err)
	}
	if len(rows) == 0 {
		return ChannelProfile{}, ErrNotFound
	}

	row := rows[0]
	return ChannelProfile{
		ID:                        row.ID.Hex(),
		Username:                  row.Username,
		FullName:                  row.FullName,
		Email:                     row.Email,
		AvatarURL:                 row.Avatar,
		CoverImageURL:             row.CoverImage,
		SubscribersCount:          row.SubscribersCount,
		ChannelsSubscribedToCount: row.ChannelsSubscribedToCount,
		IsSubscribed:              row.IsSubscribed,
	}, nil
}

func (s *MongoStore) Subscribe(ctx context.Context, subscriberID, channelID string) error {
	subscriber, err := bson.ObjectIDFromHex(subscriberID)
	if err != nil {
		return ErrNotFound
	}
	channel, err := bson.ObjectIDFromHex(channelID)
	if err != nil {
		return ErrNotFound
	}

	_, err = s.subscriptions.UpdateOne(ctx,
		bson.D{{Key: "subscriber", Value: subscriber}, {Key: "channel", Value: channel}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "createdAt", Value: time.Now().UTC()}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *MongoStore) Unsubscribe(ctx context.Context, subscriberID, channelID string) error {
	subscriber, err := bson.ObjectIDFromHex(subscriberID)
	if err != nil {
		return nil
	}
	channel, err := bson.ObjectIDFromHex(channelID)
	if err != nil {
		return nil
	}

	if _, err := s.subscriptions.DeleteOne(ctx, bson.D{{Key: "subscriber", Value: subscriber}, {Key: "channel", Value: channel}}); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
