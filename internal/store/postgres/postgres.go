// Package postgres implements the persistence surface on PostgreSQL via
// pgx. Schema is created by Init; every mutation runs in its own
// transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jklint/chatterd/internal/model"
)

type Store struct {
	pool *pgxpool.Pool
}

// Open creates the connection pool and verifies connectivity.
func Open(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, model.Wrap(model.KindConfig, "parse database_url", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, model.Wrap(model.KindPersistence, "ping postgres", err)
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return &Store{pool: pool}, nil
}

func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	username        TEXT NOT NULL,
	email           TEXT NOT NULL DEFAULT '',
	full_name       TEXT NOT NULL DEFAULT '',
	hashed_password TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'offline',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS users_username_key ON users (username);

CREATE TABLE IF NOT EXISTS chats (
	id                 TEXT PRIMARY KEY,
	chat_type          TEXT NOT NULL,
	name               TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	is_encrypted       BOOLEAN NOT NULL DEFAULT FALSE,
	pair_key           TEXT,
	pinned_message_ids TEXT[] NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS chats_pair_key_key ON chats (pair_key) WHERE pair_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS chat_members (
	chat_id              TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	user_id              TEXT NOT NULL,
	role                 TEXT NOT NULL,
	joined_at            TIMESTAMPTZ NOT NULL,
	last_read_message_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (chat_id, user_id)
);
CREATE INDEX IF NOT EXISTS chat_members_user_idx ON chat_members (user_id);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	chat_id      TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	sender_id    TEXT NOT NULL,
	message_type TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	attachments  JSONB NOT NULL DEFAULT '[]',
	mentions     TEXT[],
	reply_to_id  TEXT NOT NULL DEFAULT '',
	is_deleted   BOOLEAN NOT NULL DEFAULT FALSE,
	is_pinned    BOOLEAN NOT NULL DEFAULT FALSE,
	read_by      JSONB NOT NULL DEFAULT '{}',
	delivered_to JSONB NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL,
	edited_at    TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_chat_created_idx ON messages (chat_id, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS reactions (
	id            TEXT PRIMARY KEY,
	message_id    TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	user_id       TEXT NOT NULL,
	reaction_type TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (message_id, user_id, reaction_type)
);
CREATE INDEX IF NOT EXISTS reactions_message_idx ON reactions (message_id);
`

// Init creates tables and indexes. Safe to run repeatedly.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return model.Wrap(model.KindPersistence, "create schema", err)
	}
	return nil
}

// ===========================================================================
// Error mapping
// ===========================================================================

// wrapPg translates driver errors into the domain taxonomy. conflictMsg is
// used for unique violations so callers surface a meaningful 409 detail.
func wrapPg(op, conflictMsg string, err error) error {
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		switch pge.Code {
		case "23505":
			return model.E(model.KindConflict, conflictMsg)
		case "23503":
			return model.E(model.KindNotFound, "referenced row not found")
		}
	}
	return model.Wrap(model.KindPersistence, op, err)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ===========================================================================
// Users
// ===========================================================================

const userCols = "id, username, email, full_name, hashed_password, status, created_at, updated_at"

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.HashedPassword, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.E(model.KindNotFound, "user not found")
		}
		return nil, model.Wrap(model.KindPersistence, "scan user", err)
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) (*model.User, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, email, full_name, hashed_password, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, u.ID, u.Username, u.Email, u.FullName, u.HashedPassword, u.Status, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return nil, wrapPg("insert user", fmt.Sprintf("username %q already taken", u.Username), err)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE username = $1`, username))
}

func (s *Store) UpdateUser(ctx context.Context, id string, p model.UserPatch) (*model.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `
		UPDATE users SET
			email           = COALESCE($2, email),
			full_name       = COALESCE($3, full_name),
			hashed_password = COALESCE($4, hashed_password),
			status          = COALESCE($5, status),
			updated_at      = now()
		WHERE id = $1
		RETURNING `+userCols,
		id, p.Email, p.FullName, p.HashedPassword, (*string)(p.Status)))
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return model.Wrap(model.KindPersistence, "delete user", err)
	}
	if tag.RowsAffected() == 0 {
		return model.E(model.KindNotFound, "user not found")
	}
	return nil
}

// ===========================================================================
// Chats
// ===========================================================================

func pairKeyFor(c *model.Chat) any {
	if c.Type != model.ChatOneToOne || len(c.Members) != 2 {
		return nil
	}
	a, b := c.Members[0].UserID, c.Members[1].UserID
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func (s *Store) CreateChat(ctx context.Context, c *model.Chat) (*model.Chat, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "begin", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO chats (id, chat_type, name, description, is_encrypted, pair_key, pinned_message_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '{}', $7, $8)
	`, c.ID, c.Type, c.Name, c.Description, c.IsEncrypted, pairKeyFor(c), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, wrapPg("insert chat", "direct chat already exists for this pair", err)
	}
	for _, m := range c.Members {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_members (chat_id, user_id, role, joined_at, last_read_message_id)
			VALUES ($1, $2, $3, $4, $5)
		`, c.ID, m.UserID, m.Role, m.JoinedAt, m.LastReadMessageID); err != nil {
			return nil, wrapPg("insert chat member", "user is already a member", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, model.Wrap(model.KindPersistence, "commit", err)
	}
	return c.Clone(), nil
}

func (s *Store) loadMembers(ctx context.Context, chatIDs []string) (map[string][]model.ChatMember, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chat_id, user_id, role, joined_at, last_read_message_id
		FROM chat_members
		WHERE chat_id = ANY($1)
		ORDER BY joined_at, user_id
	`, chatIDs)
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "query members", err)
	}
	defer rows.Close()

	out := make(map[string][]model.ChatMember, len(chatIDs))
	for rows.Next() {
		var cid string
		var m model.ChatMember
		if err := rows.Scan(&cid, &m.UserID, &m.Role, &m.JoinedAt, &m.LastReadMessageID); err != nil {
			return nil, model.Wrap(model.KindPersistence, "scan member", err)
		}
		out[cid] = append(out[cid], m)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Wrap(model.KindPersistence, "iterate members", err)
	}
	return out, nil
}

const chatCols = "id, chat_type, name, description, is_encrypted, pinned_message_ids, created_at, updated_at"

func scanChat(row pgx.Row) (*model.Chat, error) {
	var c model.Chat
	err := row.Scan(&c.ID, &c.Type, &c.Name, &c.Description, &c.IsEncrypted, &c.PinnedMessageIDs, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.E(model.KindNotFound, "chat not found")
		}
		return nil, model.Wrap(model.KindPersistence, "scan chat", err)
	}
	return &c, nil
}

func (s *Store) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	c, err := scanChat(s.pool.QueryRow(ctx, `SELECT `+chatCols+` FROM chats WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	members, err := s.loadMembers(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	c.Members = members[id]
	return c, nil
}

func (s *Store) UpdateChat(ctx context.Context, id string, p model.ChatUpdate) (*model.Chat, error) {
	c, err := scanChat(s.pool.QueryRow(ctx, `
		UPDATE chats SET
			name        = COALESCE($2, name),
			description = COALESCE($3, description),
			updated_at  = now()
		WHERE id = $1
		RETURNING `+chatCols, id, p.Name, p.Description))
	if err != nil {
		return nil, err
	}
	members, err := s.loadMembers(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	c.Members = members[id]
	return c, nil
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE id = $1`, id)
	if err != nil {
		return model.Wrap(model.KindPersistence, "delete chat", err)
	}
	if tag.RowsAffected() == 0 {
		return model.E(model.KindNotFound, "chat not found")
	}
	return nil
}

func (s *Store) GetUserChats(ctx context.Context, userID string, skip, limit int) ([]*model.Chat, error) {
	q := `
		SELECT ` + chatCols + `
		FROM chats c
		JOIN chat_members cm ON cm.chat_id = c.id
		WHERE cm.user_id = $1
		ORDER BY COALESCE((SELECT MAX(created_at) FROM messages WHERE chat_id = c.id), c.updated_at) DESC, c.id DESC
		OFFSET $2`
	args := []any{userID, max(skip, 0)}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "query user chats", err)
	}
	defer rows.Close()

	var chats []*model.Chat
	var ids []string
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Wrap(model.KindPersistence, "iterate chats", err)
	}
	if len(ids) == 0 {
		return chats, nil
	}
	members, err := s.loadMembers(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range chats {
		c.Members = members[c.ID]
	}
	return chats, nil
}

func (s *Store) AddChatMember(ctx context.Context, chatID string, m model.ChatMember) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Wrap(model.KindPersistence, "begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO chat_members (chat_id, user_id, role, joined_at, last_read_message_id)
		VALUES ($1, $2, $3, $4, $5)
	`, chatID, m.UserID, m.Role, m.JoinedAt, m.LastReadMessageID); err != nil {
		return wrapPg("insert member", "user is already a member", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE chats SET updated_at = now() WHERE id = $1`, chatID); err != nil {
		return model.Wrap(model.KindPersistence, "touch chat", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Wrap(model.KindPersistence, "commit", err)
	}
	return nil
}

func (s *Store) RemoveChatMember(ctx context.Context, chatID, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Wrap(model.KindPersistence, "begin", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM chat_members WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return model.Wrap(model.KindPersistence, "delete member", err)
	}
	if tag.RowsAffected() == 0 {
		return model.E(model.KindNotFound, "user is not a member")
	}
	if _, err := tx.Exec(ctx, `UPDATE chats SET updated_at = now() WHERE id = $1`, chatID); err != nil {
		return model.Wrap(model.KindPersistence, "touch chat", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Wrap(model.KindPersistence, "commit", err)
	}
	return nil
}

// ===========================================================================
// Messages
// ===========================================================================

const messageCols = `id, chat_id, sender_id, message_type, content, attachments, mentions,
	reply_to_id, is_deleted, is_pinned, read_by, delivered_to, created_at, edited_at, updated_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	var attachments, readBy, deliveredTo []byte
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Type, &m.Content, &attachments, &m.Mentions,
		&m.ReplyToID, &m.IsDeleted, &m.IsPinned, &readBy, &deliveredTo, &m.CreatedAt, &m.EditedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.E(model.KindNotFound, "message not found")
		}
		return nil, model.Wrap(model.KindPersistence, "scan message", err)
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, model.Wrap(model.KindPersistence, "decode attachments", err)
		}
	}
	if len(readBy) > 2 {
		if err := json.Unmarshal(readBy, &m.ReadBy); err != nil {
			return nil, model.Wrap(model.KindPersistence, "decode read_by", err)
		}
	}
	if len(deliveredTo) > 2 {
		if err := json.Unmarshal(deliveredTo, &m.DeliveredTo); err != nil {
			return nil, model.Wrap(model.KindPersistence, "decode delivered_to", err)
		}
	}
	m.Reactions = []model.Reaction{}
	return &m, nil
}

// attachReactions fills the Reactions slice for every listed message.
func (s *Store) attachReactions(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	byID := make(map[string]*model.Message, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		byID[m.ID] = m
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, user_id, reaction_type, created_at
		FROM reactions
		WHERE message_id = ANY($1)
		ORDER BY created_at, id
	`, ids)
	if err != nil {
		return model.Wrap(model.KindPersistence, "query reactions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r model.Reaction
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Type, &r.CreatedAt); err != nil {
			return model.Wrap(model.KindPersistence, "scan reaction", err)
		}
		if m := byID[r.MessageID]; m != nil {
			m.Reactions = append(m.Reactions, r)
		}
	}
	if err := rows.Err(); err != nil {
		return model.Wrap(model.KindPersistence, "iterate reactions", err)
	}
	return nil
}

func attachmentsJSON(atts []model.Attachment) ([]byte, error) {
	if len(atts) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(atts)
}

func (s *Store) CreateMessage(ctx context.Context, m *model.Message) (*model.Message, error) {
	atts, err := attachmentsJSON(m.Attachments)
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "encode attachments", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, message_type, content, attachments, mentions,
			reply_to_id, is_deleted, is_pinned, read_by, delivered_to, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, FALSE, '{}', '{}', $9, $10)
	`, m.ID, m.ChatID, m.SenderID, m.Type, m.Content, atts, m.Mentions, m.ReplyToID, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		var pge *pgconn.PgError
		if errors.As(err, &pge) && pge.Code == "23503" {
			return nil, model.E(model.KindNotFound, "chat not found")
		}
		return nil, model.Wrap(model.KindPersistence, "insert message", err)
	}
	return m.Clone(), nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := s.attachReactions(ctx, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) chatExists(ctx context.Context, chatID string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM chats WHERE id = $1`, chatID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.E(model.KindNotFound, "chat not found")
	}
	if err != nil {
		return model.Wrap(model.KindPersistence, "probe chat", err)
	}
	return nil
}

func (s *Store) GetChatMessages(ctx context.Context, chatID string, q model.MessageQuery) ([]*model.Message, error) {
	if err := s.chatExists(ctx, chatID); err != nil {
		return nil, err
	}

	anchor := func(id string) (time.Time, error) {
		var at time.Time
		err := s.pool.QueryRow(ctx,
			`SELECT created_at FROM messages WHERE id = $1 AND chat_id = $2`, id, chatID).Scan(&at)
		if errors.Is(err, pgx.ErrNoRows) {
			return at, model.E(model.KindNotFound, "anchor message not found in chat")
		}
		if err != nil {
			return at, model.Wrap(model.KindPersistence, "probe anchor", err)
		}
		return at, nil
	}

	sql := `SELECT ` + messageCols + ` FROM messages WHERE chat_id = $1 AND NOT is_deleted`
	args := []any{chatID}
	if q.BeforeID != "" {
		at, err := anchor(q.BeforeID)
		if err != nil {
			return nil, err
		}
		sql += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)+1, len(args)+2)
		args = append(args, at, q.BeforeID)
	}
	if q.AfterID != "" {
		at, err := anchor(q.AfterID)
		if err != nil {
			return nil, err
		}
		sql += fmt.Sprintf(` AND (created_at, id) > ($%d, $%d)`, len(args)+1, len(args)+2)
		args = append(args, at, q.AfterID)
	}
	sql += fmt.Sprintf(` ORDER BY created_at DESC, id DESC OFFSET $%d`, len(args)+1)
	args = append(args, max(q.Skip, 0))
	if q.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, q.Limit)
	}

	return s.queryMessages(ctx, sql, args...)
}

func (s *Store) queryMessages(ctx context.Context, sql string, args ...any) ([]*model.Message, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "query messages", err)
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Wrap(model.KindPersistence, "iterate messages", err)
	}
	if err := s.attachReactions(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) UpdateMessage(ctx context.Context, id string, p model.MessagePatch) (*model.Message, error) {
	var mentions any
	if p.Mentions != nil {
		mentions = *p.Mentions
	}
	m, err := scanMessage(s.pool.QueryRow(ctx, `
		UPDATE messages SET
			content    = COALESCE($2, content),
			mentions   = COALESCE($3::text[], mentions),
			edited_at  = COALESCE($4, edited_at),
			updated_at = now()
		WHERE id = $1
		RETURNING `+messageCols, id, p.Content, mentions, p.EditedAt))
	if err != nil {
		return nil, err
	}
	if err := s.attachReactions(ctx, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string, hard bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Wrap(model.KindPersistence, "begin", err)
	}
	defer tx.Rollback(ctx)

	var chatID string
	if err := tx.QueryRow(ctx, `SELECT chat_id FROM messages WHERE id = $1`, id).Scan(&chatID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.E(model.KindNotFound, "message not found")
		}
		return model.Wrap(model.KindPersistence, "probe message", err)
	}

	if hard {
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
			return model.Wrap(model.KindPersistence, "delete message", err)
		}
	} else {
		if _, err := tx.Exec(ctx, `
			UPDATE messages
			SET is_deleted = TRUE, content = '', is_pinned = FALSE, updated_at = now()
			WHERE id = $1
		`, id); err != nil {
			return model.Wrap(model.KindPersistence, "soft delete message", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE chats SET pinned_message_ids = array_remove(pinned_message_ids, $2) WHERE id = $1
	`, chatID, id); err != nil {
		return model.Wrap(model.KindPersistence, "unpin deleted message", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Wrap(model.KindPersistence, "commit", err)
	}
	return nil
}

func (s *Store) SetMessagePinned(ctx context.Context, id string, pinned bool) (*model.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "begin", err)
	}
	defer tx.Rollback(ctx)

	var chatID string
	if err := tx.QueryRow(ctx, `
		UPDATE messages SET is_pinned = $2, updated_at = now() WHERE id = $1 RETURNING chat_id
	`, id, pinned).Scan(&chatID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.E(model.KindNotFound, "message not found")
		}
		return nil, model.Wrap(model.KindPersistence, "pin message", err)
	}

	if pinned {
		_, err = tx.Exec(ctx, `
			UPDATE chats
			SET pinned_message_ids = array_append(pinned_message_ids, $2)
			WHERE id = $1 AND NOT ($2 = ANY(pinned_message_ids))
		`, chatID, id)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE chats SET pinned_message_ids = array_remove(pinned_message_ids, $2) WHERE id = $1
		`, chatID, id)
	}
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "update pinned set", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, model.Wrap(model.KindPersistence, "commit", err)
	}
	return s.GetMessage(ctx, id)
}

func (s *Store) MarkMessagesRead(ctx context.Context, chatID, userID string, messageIDs []string, at time.Time) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "begin", err)
	}
	defer tx.Rollback(ctx)

	// ids not yet read by this user, oldest first so the last row is the
	// newest affected message
	rows, err := tx.Query(ctx, `
		SELECT id FROM messages
		WHERE chat_id = $1 AND id = ANY($2) AND NOT (read_by ? $3)
		ORDER BY created_at, id
	`, chatID, messageIDs, userID)
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "query unread", err)
	}
	var affected []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, model.Wrap(model.KindPersistence, "scan unread", err)
		}
		affected = append(affected, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, model.Wrap(model.KindPersistence, "iterate unread", err)
	}

	stamp := at.UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(ctx, `
		UPDATE messages
		SET read_by = jsonb_set(read_by, ARRAY[$3], to_jsonb($4::text), true)
		WHERE chat_id = $1 AND id = ANY($2)
		  AND (NOT (read_by ? $3) OR (read_by->>$3)::timestamptz < $4::timestamptz)
	`, chatID, messageIDs, userID, stamp); err != nil {
		return nil, model.Wrap(model.KindPersistence, "stamp read_by", err)
	}

	if len(affected) > 0 {
		newest := affected[len(affected)-1]
		// advance the member pointer only forward in (created_at, id) order
		if _, err := tx.Exec(ctx, `
			UPDATE chat_members cm SET last_read_message_id = $3
			WHERE cm.chat_id = $1 AND cm.user_id = $2
			  AND (cm.last_read_message_id = '' OR NOT EXISTS (
				SELECT 1 FROM messages cur JOIN messages nxt ON nxt.id = $3
				WHERE cur.id = cm.last_read_message_id
				  AND (cur.created_at, cur.id) >= (nxt.created_at, nxt.id)))
		`, chatID, userID, newest); err != nil {
			return nil, model.Wrap(model.KindPersistence, "advance last_read", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, model.Wrap(model.KindPersistence, "commit", err)
	}
	return affected, nil
}

func (s *Store) UnreadMessageIDs(ctx context.Context, chatID, userID string, until time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM messages
		WHERE chat_id = $1 AND NOT is_deleted AND created_at <= $2 AND NOT (read_by ? $3)
		ORDER BY created_at, id
	`, chatID, until, userID)
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "query unread", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.Wrap(model.KindPersistence, "scan unread", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Wrap(model.KindPersistence, "iterate unread", err)
	}
	return ids, nil
}

func (s *Store) MarkMessageDelivered(ctx context.Context, messageID string, userIDs []string, at time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	patch := make(map[string]time.Time, len(userIDs))
	for _, uid := range userIDs {
		patch[uid] = at.UTC()
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return model.Wrap(model.KindPersistence, "encode delivered_to", err)
	}
	// existing stamps win: right operand of || overrides the left
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET delivered_to = $2::jsonb || delivered_to WHERE id = $1
	`, messageID, raw)
	if err != nil {
		return model.Wrap(model.KindPersistence, "stamp delivered_to", err)
	}
	if tag.RowsAffected() == 0 {
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
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO reactions (id, message_id, user_id, reaction_type, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, user_id, reaction_type) DO NOTHING
	`, r.ID, r.MessageID, r.UserID, r.Type, r.CreatedAt)
	if err != nil {
		var pge *pgconn.PgError
		if errors.As(err, &pge) && pge.Code == "23503" {
			return nil, false, model.E(model.KindNotFound, "message not found")
		}
		return nil, false, model.Wrap(model.KindPersistence, "insert reaction", err)
	}
	if tag.RowsAffected() == 0 {
		// already present; return the stored row
		var existing model.Reaction
		err := s.pool.QueryRow(ctx, `
			SELECT id, message_id, user_id, reaction_type, created_at
			FROM reactions WHERE message_id = $1 AND user_id = $2 AND reaction_type = $3
		`, messageID, userID, reactionType).Scan(&existing.ID, &existing.MessageID, &existing.UserID, &existing.Type, &existing.CreatedAt)
		if err != nil {
			return nil, false, model.Wrap(model.KindPersistence, "read reaction", err)
		}
		return &existing, false, nil
	}
	_, _ = s.pool.Exec(ctx, `UPDATE messages SET updated_at = now() WHERE id = $1`, messageID)
	return &r, true, nil
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, reactionType string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND reaction_type = $3
	`, messageID, userID, reactionType)
	if err != nil {
		return false, model.Wrap(model.KindPersistence, "delete reaction", err)
	}
	if tag.RowsAffected() == 0 {
		var one int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM messages WHERE id = $1`, messageID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, model.E(model.KindNotFound, "message not found")
		}
		if err != nil {
			return false, model.Wrap(model.KindPersistence, "probe message", err)
		}
		return false, nil
	}
	_, _ = s.pool.Exec(ctx, `UPDATE messages SET updated_at = now() WHERE id = $1`, messageID)
	return true, nil
}

// ===========================================================================
// Queries
// ===========================================================================

func (s *Store) SearchMessages(ctx context.Context, userID, query, chatID string, skip, limit int) ([]*model.Message, error) {
	sql := `
		SELECT ` + qualify(messageCols, "m") + `
		FROM messages m
		JOIN chat_members cm ON cm.chat_id = m.chat_id AND cm.user_id = $1
		WHERE NOT m.is_deleted AND m.content ILIKE $2`
	args := []any{userID, "%" + escapeLike(query) + "%"}
	if chatID != "" {
		sql += fmt.Sprintf(` AND m.chat_id = $%d`, len(args)+1)
		args = append(args, chatID)
	}
	sql += fmt.Sprintf(` ORDER BY m.created_at DESC, m.id DESC OFFSET $%d`, len(args)+1)
	args = append(args, max(skip, 0))
	if limit > 0 {
		sql += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}
	return s.queryMessages(ctx, sql, args...)
}

// qualify prefixes every column in a comma list with a table alias.
func qualify(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *Store) ChatStats(ctx context.Context, chatID string) (*model.ChatStats, error) {
	if err := s.chatExists(ctx, chatID); err != nil {
		return nil, err
	}
	st := &model.ChatStats{ChatID: chatID}
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM messages WHERE chat_id = $1),
			(SELECT COUNT(*) FROM chat_members WHERE chat_id = $1),
			(SELECT COUNT(*) FROM reactions r JOIN messages m ON m.id = r.message_id WHERE m.chat_id = $1)
	`, chatID).Scan(&st.MessageCount, &st.MemberCount, &st.ReactionCount)
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "chat stats", err)
	}
	return st, nil
}

func (s *Store) UserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1`, userID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.E(model.KindNotFound, "user not found")
		}
		return nil, model.Wrap(model.KindPersistence, "probe user", err)
	}
	st := &model.UserStats{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM messages WHERE sender_id = $1),
			(SELECT COUNT(*) FROM chat_members WHERE user_id = $1),
			(SELECT COUNT(*) FROM reactions WHERE user_id = $1)
	`, userID).Scan(&st.MessageCount, &st.ChatCount, &st.ReactionCount)
	if err != nil {
		return nil, model.Wrap(model.KindPersistence, "user stats", err)
	}
	return st, nil
}
