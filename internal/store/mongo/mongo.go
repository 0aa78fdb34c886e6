// Package mongo implements the persistence surface on MongoDB. Chats embed
// their member list and messages embed their reactions, following the
// document model rather than the relational one.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jklint/chatterd/internal/model"
)

type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	chats    *mongo.Collection
	messages *mongo.Collection
}

// chatDoc adds the storage-only pair key to the domain record.
type chatDoc struct {
	model.Chat `bson:",inline"`
	PairKey    string `bson:"pair_key,omitempty"`
}

func pairKeyFor(c *model.Chat) string {
	if c.Type != model.ChatOneToOne || len(c.Members) != 2 {
		return ""
	}
	a, b := c.Members[0].UserID, c.Members[1].UserID
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// dbNameFromURI extracts the database path segment of a MongoDB connection
// string, defaulting to "chatterd".
func dbNameFromURI(uri string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[i+1:]
	} else {
		return "chatterd"
	}
	if i := strings.Index(rest, "?"); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "chatterd"
	}
	return rest
}

// Open connects, pings, and binds the collections.
func Open(ctx context.Context, uri string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "connect mongodb", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, model.Wrap(model.KindPersistence, "ping mongodb", err)
	}
	db := client.Database(dbNameFromURI(uri))
	log.Info().Str("database", db.Name()).Msg("mongodb connected")
	return &Store{
		client:   client,
		users:    db.Collection("users"),
		chats:    db.Collection("chats"),
		messages: db.Collection("messages"),
	}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Init creates the unique and range indexes.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return model.Wrap(model.KindPersistence, "index users.username", err)
	}
	_, err = s.chats.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "pair_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{Keys: bson.D{{Key: "members.user_id", Value: 1}}},
	})
	if err != nil {
		return model.Wrap(model.KindPersistence, "index chats", err)
	}
	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
	})
	if err != nil {
		return model.Wrap(model.KindPersistence, "index messages", err)
	}
	return nil
}

func wrapMongo(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return model.Wrap(model.KindConflict, op, err)
	}
	return model.Wrap(model.KindPersistence, op, err)
}

// ===========================================================================
// Users
// ===========================================================================

func (s *Store) CreateUser(ctx context.Context, u *model.User) (*model.User, error) {
	if _, err := s.users.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, model.Ef(model.KindConflict, "username %q already taken", u.Username)
		}
		return nil, wrapMongo("insert user", err)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) findUser(ctx context.Context, filter bson.M) (*model.User, error) {
	var u model.User
	if err := s.users.FindOne(ctx, filter).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.E(model.KindNotFound, "user not found")
		}
		return nil, wrapMongo("find user", err)
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.findUser(ctx, bson.M{"username": username})
}

func (s *Store) UpdateUser(ctx context.Context, id string, p model.UserPatch) (*model.User, error) {
	set := bson.M{"updated_at": time.Now().UTC()}
	if p.Email != nil {
		set["email"] = *p.Email
	}
	if p.FullName != nil {
		set["full_name"] = *p.FullName
	}
	if p.HashedPassword != nil {
		set["hashed_password"] = *p.HashedPassword
	}
	if p.Status != nil {
		set["status"] = *p.Status
	}
	var u model.User
	err := s.users.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&u)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.E(model.KindNotFound, "user not found")
		}
		return nil, wrapMongo("update user", err)
	}
	return &u, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.users.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return wrapMongo("delete user", err)
	}
	if res.DeletedCount == 0 {
		return model.E(model.KindNotFound, "user not found")
	}
	return nil
}

// ===========================================================================
// Chats
// ===========================================================================

func (s *Store) CreateChat(ctx context.Context, c *model.Chat) (*model.Chat, error) {
	doc := chatDoc{Chat: *c.Clone(), PairKey: pairKeyFor(c)}
	if doc.PinnedMessageIDs == nil {
		doc.PinnedMessageIDs = []string{}
	}
	if _, err := s.chats.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, model.E(model.KindConflict, "direct chat already exists for this pair")
		}
		return nil, wrapMongo("insert chat", err)
	}
	return c.Clone(), nil
}

func (s *Store) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	var doc chatDoc
	if err := s.chats.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.E(model.KindNotFound, "chat not found")
		}
		return nil, wrapMongo("find chat", err)
	}
	c := doc.Chat
	if c.PinnedMessageIDs == nil {
		c.PinnedMessageIDs = []string{}
	}
	return &c, nil
}

func (s *Store) UpdateChat(ctx context.Context, id string, p model.ChatUpdate) (*model.Chat, error) {
	set := bson.M{"updated_at": time.Now().UTC()}
	if p.Name != nil {
		set["name"] = *p.Name
	}
	if p.Description != nil {
		set["description"] = *p.Description
	}
	var doc chatDoc
	err := s.chats.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.E(model.KindNotFound, "chat not found")
		}
		return nil, wrapMongo("update chat", err)
	}
	c := doc.Chat
	return &c, nil
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	res, err := s.chats.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return wrapMongo("delete chat", err)
	}
	if res.DeletedCount == 0 {
		return model.E(model.KindNotFound, "chat not found")
	}
	if _, err := s.messages.DeleteMany(ctx, bson.M{"chat_id": id}); err != nil {
		return wrapMongo("delete chat messages", err)
	}
	return nil
}

func (s *Store) GetUserChats(ctx context.Context, userID string, skip, limit int) ([]*model.Chat, error) {
	cur, err := s.chats.Find(ctx, bson.M{"members.user_id": userID})
	if err != nil {
		return nil, wrapMongo("find user chats", err)
	}
	var docs []chatDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapMongo("decode user chats", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(docs))
	for i := range docs {
		ids[i] = docs[i].ID
	}
	// newest message per chat in one aggregation
	pipe := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"chat_id": bson.M{"$in": ids}}}},
		{{Key: "$group", Value: bson.M{"_id": "$chat_id", "last": bson.M{"$max": "$created_at"}}}},
	}
	aggCur, err := s.messages.Aggregate(ctx, pipe)
	if err != nil {
		return nil, wrapMongo("aggregate last message", err)
	}
	var rows []struct {
		ChatID string    `bson:"_id"`
		Last   time.Time `bson:"last"`
	}
	if err := aggCur.All(ctx, &rows); err != nil {
		return nil, wrapMongo("decode last message", err)
	}
	lastAt := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		lastAt[r.ChatID] = r.Last
	}

	sort.Slice(docs, func(i, j int) bool {
		ai, aj := docs[i].UpdatedAt, docs[j].UpdatedAt
		if t, ok := lastAt[docs[i].ID]; ok && t.After(ai) {
			ai = t
		}
		if t, ok := lastAt[docs[j].ID]; ok && t.After(aj) {
			aj = t
		}
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return docs[i].ID > docs[j].ID
	})

	if skip > 0 {
		if skip >= len(docs) {
			return nil, nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	out := make([]*model.Chat, len(docs))
	for i := range docs {
		c := docs[i].Chat
		if c.PinnedMessageIDs == nil {
			c.PinnedMessageIDs = []string{}
		}
		out[i] = &c
	}
	return out, nil
}

func (s *Store) AddChatMember(ctx context.Context, chatID string, m model.ChatMember) error {
	res, err := s.chats.UpdateOne(ctx,
		bson.M{"_id": chatID, "members.user_id": bson.M{"$ne": m.UserID}},
		bson.M{"$push": bson.M{"members": m}, "$set": bson.M{"updated_at": time.Now().UTC()}})
	if err != nil {
		return wrapMongo("add member", err)
	}
	if res.MatchedCount == 0 {
		n, err := s.chats.CountDocuments(ctx, bson.M{"_id": chatID})
		if err != nil {
			return wrapMongo("probe chat", err)
		}
		if n == 0 {
			return model.E(model.KindNotFound, "chat not found")
		}
		return model.E(model.KindConflict, "user is already a member")
	}
	return nil
}

func (s *Store) RemoveChatMember(ctx context.Context, chatID, userID string) error {
	res, err := s.chats.UpdateOne(ctx,
		bson.M{"_id": chatID, "members.user_id": userID},
		bson.M{"$pull": bson.M{"members": bson.M{"user_id": userID}}, "$set": bson.M{"updated_at": time.Now().UTC()}})
	if err != nil {
		return wrapMongo("remove member", err)
	}
	if res.MatchedCount == 0 {
		n, err := s.chats.CountDocuments(ctx, bson.M{"_id": chatID})
		if err != nil {
			return wrapMongo("probe chat", err)
		}
		if n == 0 {
			return model.E(model.KindNotFound, "chat not found")
		}
		return model.E(model.KindNotFound, "user is not a member")
	}
	return nil
}

// ===========================================================================
// Messages
// ===========================================================================

func (s *Store) CreateMessage(ctx context.Context, m *model.Message) (*model.Message, error) {
	n, err := s.chats.CountDocuments(ctx, bson.M{"_id": m.ChatID})
	if err != nil {
		return nil, wrapMongo("probe chat", err)
	}
	if n == 0 {
		return nil, model.E(model.KindNotFound, "chat not found")
	}
	doc := m.Clone()
	if doc.Reactions == nil {
		doc.Reactions = []model.Reaction{}
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return nil, wrapMongo("insert message", err)
	}
	return m.Clone(), nil
}

func (s *Store) findMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	if err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.E(model.KindNotFound, "message not found")
		}
		return nil, wrapMongo("find message", err)
	}
	if m.Reactions == nil {
		m.Reactions = []model.Reaction{}
	}
	return &m, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return s.findMessage(ctx, id)
}

func (s *Store) GetChatMessages(ctx context.Context, chatID string, q model.MessageQuery) ([]*model.Message, error) {
	n, err := s.chats.CountDocuments(ctx, bson.M{"_id": chatID})
	if err != nil {
		return nil, wrapMongo("probe chat", err)
	}
	if n == 0 {
		return nil, model.E(model.KindNotFound, "chat not found")
	}

	filter := bson.M{"chat_id": chatID, "is_deleted": false}
	var clauses []bson.M
	anchor := func(id string) (*model.Message, error) {
		a, err := s.findMessage(ctx, id)
		if err != nil || a.ChatID != chatID {
			return nil, model.E(model.KindNotFound, "anchor message not found in chat")
		}
		return a, nil
	}
	if q.BeforeID != "" {
		a, err := anchor(q.BeforeID)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, bson.M{"$or": []bson.M{
			{"created_at": bson.M{"$lt": a.CreatedAt}},
			{"created_at": a.CreatedAt, "_id": bson.M{"$lt": a.ID}},
		}})
	}
	if q.AfterID != "" {
		a, err := anchor(q.AfterID)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, bson.M{"$or": []bson.M{
			{"created_at": bson.M{"$gt": a.CreatedAt}},
			{"created_at": a.CreatedAt, "_id": bson.M{"$gt": a.ID}},
		}})
	}
	if len(clauses) > 0 {
		filter["$and"] = clauses
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if q.Skip > 0 {
		opts.SetSkip(int64(q.Skip))
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return s.queryMessages(ctx, filter, opts)
}

func (s *Store) queryMessages(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*model.Message, error) {
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapMongo("find messages", err)
	}
	var docs []model.Message
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapMongo("decode messages", err)
	}
	out := make([]*model.Message, len(docs))
	for i := range docs {
		if docs[i].Reactions == nil {
			docs[i].Reactions = []model.Reaction{}
		}
		out[i] = &docs[i]
	}
	return out, nil
}

func (s *Store) UpdateMessage(ctx context.Context, id string, p model.MessagePatch) (*model.Message, error) {
	set := bson.M{"updated_at": time.Now().UTC()}
	if p.Content != nil {
		set["content"] = *p.Content
	}
	if p.Mentions != nil {
		set["mentions"] = *p.Mentions
	}
	if p.EditedAt != nil {
		set["edited_at"] = *p.EditedAt
	}
	var m model.Message
	err := s.messages.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.E(model.KindNotFound, "message not found")
		}
		return nil, wrapMongo("update message", err)
	}
	if m.Reactions == nil {
		m.Reactions = []model.Reaction{}
	}
	return &m, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string, hard bool) error {
	m, err := s.findMessage(ctx, id)
	if err != nil {
		return err
	}
	if hard {
		if _, err := s.messages.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
			return wrapMongo("delete message", err)
		}
	} else {
		_, err := s.messages.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
			"is_deleted": true,
			"content":    "",
			"is_pinned":  false,
			"updated_at": time.Now().UTC(),
		}})
		if err != nil {
			return wrapMongo("soft delete message", err)
		}
	}
	if _, err := s.chats.UpdateOne(ctx, bson.M{"_id": m.ChatID},
		bson.M{"$pull": bson.M{"pinned_message_ids": id}}); err != nil {
		return wrapMongo("unpin deleted message", err)
	}
	return nil
}

func (s *Store) SetMessagePinned(ctx context.Context, id string, pinned bool) (*model.Message, error) {
	var m model.Message
	err := s.messages.FindOneAndUpdate(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"is_pinned": pinned, "updated_at": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.E(model.KindNotFound, "message not found")
		}
		return nil, wrapMongo("pin message", err)
	}
	var update bson.M
	if pinned {
		update = bson.M{"$addToSet": bson.M{"pinned_message_ids": id}}
	} else {
		update = bson.M{"$pull": bson.M{"pinned_message_ids": id}}
	}
	if _, err := s.chats.UpdateOne(ctx, bson.M{"_id": m.ChatID}, update); err != nil {
		return nil, wrapMongo("update pinned set", err)
	}
	if m.Reactions == nil {
		m.Reactions = []model.Reaction{}
	}
	return &m, nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, chatID, userID string, messageIDs []string, at time.Time) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	field := "read_by." + userID

	// which of the listed ids has this user not read yet, oldest first
	cur, err := s.messages.Find(ctx,
		bson.M{"chat_id": chatID, "_id": bson.M{"$in": messageIDs}, field: bson.M{"$exists": false}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
			SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, wrapMongo("find unread", err)
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, wrapMongo("decode unread", err)
	}
	affected := make([]string, len(rows))
	for i, r := range rows {
		affected[i] = r.ID
	}

	// stamp new reads and advance stale stamps, never regressing
	if _, err := s.messages.UpdateMany(ctx,
		bson.M{"chat_id": chatID, "_id": bson.M{"$in": messageIDs},
			"$or": []bson.M{{field: bson.M{"$exists": false}}, {field: bson.M{"$lt": at}}}},
		bson.M{"$set": bson.M{field: at.UTC()}}); err != nil {
		return nil, wrapMongo("stamp read_by", err)
	}

	if len(affected) > 0 {
		if err := s.advanceLastRead(ctx, chatID, userID, affected[len(affected)-1]); err != nil {
			return nil, err
		}
	}
	return affected, nil
}

// advanceLastRead moves the member pointer to newest only when newest is
// ahead of the current pointer in (created_at, id) order.
func (s *Store) advanceLastRead(ctx context.Context, chatID, userID, newest string) error {
	var doc chatDoc
	if err := s.chats.FindOne(ctx, bson.M{"_id": chatID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.E(model.KindNotFound, "chat not found")
		}
		return wrapMongo("find chat", err)
	}
	member := doc.Chat.Member(userID)
	if member == nil {
		return nil
	}
	if member.LastReadMessageID != "" {
		curMsg, err := s.findMessage(ctx, member.LastReadMessageID)
		if err == nil {
			newMsg, err := s.findMessage(ctx, newest)
			if err != nil {
				return err
			}
			if curMsg.CreatedAt.After(newMsg.CreatedAt) ||
				(curMsg.CreatedAt.Equal(newMsg.CreatedAt) && curMsg.ID >= newMsg.ID) {
				return nil
			}
		}
	}
	_, err := s.chats.UpdateOne(ctx,
		bson.M{"_id": chatID, "members.user_id": userID},
		bson.M{"$set": bson.M{"members.$.last_read_message_id": newest}})
	if err != nil {
		return wrapMongo("advance last_read", err)
	}
	return nil
}

func (s *Store) UnreadMessageIDs(ctx context.Context, chatID, userID string, until time.Time) ([]string, error) {
	cur, err := s.messages.Find(ctx, bson.M{
		"chat_id":           chatID,
		"is_deleted":        false,
		"created_at":        bson.M{"$lte": until},
		"read_by." + userID: bson.M{"$exists": false},
	}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, wrapMongo("find unread", err)
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, wrapMongo("decode unread", err)
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *Store) MarkMessageDelivered(ctx context.Context, messageID string, userIDs []string, at time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	for _, uid := range userIDs {
		field := "delivered_to." + uid
		_, err := s.messages.UpdateOne(ctx,
			bson.M{"_id": messageID, field: bson.M{"$exists": false}},
			bson.M{"$set": bson.M{field: at.UTC()}})
		if err != nil {
			return wrapMongo("stamp delivered_to", err)
		}
	}
	n, err := s.messages.CountDocuments(ctx, bson.M{"_id": messageID})
	if err != nil {
		return wrapMongo("probe message", err)
	}
	if n == 0 {
		return model.E(model.KindNotFound, "message not found")
	}
	return nil
}

// ===========================================================================
// Reactions
// ===========================================================================

func (s *Store) AddReaction(ctx context.Context, messageID, userID, reactionType string) (*model.Reaction, bool, error) {
	r := model.Reaction{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    userID,
		Type:      reactionType,
		CreatedAt: time.Now().UTC(),
	}
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, "reactions": bson.M{
			"$not": bson.M{"$elemMatch": bson.M{"user_id": userID, "reaction_type": reactionType}},
		}},
		bson.M{"$push": bson.M{"reactions": r}, "$set": bson.M{"updated_at": time.Now().UTC()}})
	if err != nil {
		return nil, false, wrapMongo("add reaction", err)
	}
	if res.MatchedCount == 0 {
		m, err := s.findMessage(ctx, messageID)
		if err != nil {
			return nil, false, err
		}
		if existing := m.ReactionBy(userID, reactionType); existing != nil {
			cp := *existing
			return &cp, false, nil
		}
		return nil, false, model.E(model.KindPersistence, fmt.Sprintf("reaction upsert raced on message %s", messageID))
	}
	return &r, true, nil
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, reactionType string) (bool, error) {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$pull": bson.M{"reactions": bson.M{"user_id": userID, "reaction_type": reactionType}},
			"$set": bson.M{"updated_at": time.Now().UTC()}})
	if err != nil {
		return false, wrapMongo("remove reaction", err)
	}
	if res.MatchedCount == 0 {
		return false, model.E(model.KindNotFound, "message not found")
	}
	return res.ModifiedCount > 0, nil
}

// ===========================================================================
// Queries
// ===========================================================================

func (s *Store) SearchMessages(ctx context.Context, userID, query, chatID string, skip, limit int) ([]*model.Message, error) {
	cur, err := s.chats.Find(ctx, bson.M{"members.user_id": userID},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, wrapMongo("find member chats", err)
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, wrapMongo("decode member chats", err)
	}
	var ids []string
	for _, r := range rows {
		if chatID == "" || r.ID == chatID {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	filter := bson.M{
		"chat_id":    bson.M{"$in": ids},
		"is_deleted": false,
		"content":    primitive.Regex{Pattern: regexp.QuoteMeta(query), Options: "i"},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if skip > 0 {
		opts.SetSkip(int64(skip))
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.queryMessages(ctx, filter, opts)
}

func (s *Store) ChatStats(ctx context.Context, chatID string) (*model.ChatStats, error) {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	msgCount, err := s.messages.CountDocuments(ctx, bson.M{"chat_id": chatID})
	if err != nil {
		return nil, wrapMongo("count messages", err)
	}
	reactions, err := s.countReactions(ctx, bson.M{"chat_id": chatID}, bson.M{})
	if err != nil {
		return nil, err
	}
	return &model.ChatStats{
		ChatID:        chatID,
		MessageCount:  int(msgCount),
		MemberCount:   len(c.Members),
		ReactionCount: reactions,
	}, nil
}

func (s *Store) UserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	msgCount, err := s.messages.CountDocuments(ctx, bson.M{"sender_id": userID})
	if err != nil {
		return nil, wrapMongo("count messages", err)
	}
	chatCount, err := s.chats.CountDocuments(ctx, bson.M{"members.user_id": userID})
	if err != nil {
		return nil, wrapMongo("count chats", err)
	}
	reactions, err := s.countReactions(ctx, bson.M{}, bson.M{"reactions.user_id": userID})
	if err != nil {
		return nil, err
	}
	return &model.UserStats{
		UserID:        userID,
		MessageCount:  int(msgCount),
		ChatCount:     int(chatCount),
		ReactionCount: reactions,
	}, nil
}

// countReactions unwinds embedded reactions under a message match and an
// optional per-reaction match.
func (s *Store) countReactions(ctx context.Context, msgMatch, reactionMatch bson.M) (int, error) {
	pipe := mongo.Pipeline{
		{{Key: "$match", Value: msgMatch}},
		{{Key: "$unwind", Value: "$reactions"}},
	}
	if len(reactionMatch) > 0 {
		pipe = append(pipe, bson.D{{Key: "$match", Value: reactionMatch}})
	}
	pipe = append(pipe, bson.D{{Key: "$count", Value: "n"}})
	cur, err := s.messages.Aggregate(ctx, pipe)
	if err != nil {
		return 0, wrapMongo("count reactions", err)
	}
	var rows []struct {
		N int `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return 0, wrapMongo("decode reaction count", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].N, nil
}
