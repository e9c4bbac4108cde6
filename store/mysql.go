package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/slacklite/relay/model"
)

const messageColumns = "seq,id,content,sender_id,sender_name,channel_id,recipient_id," +
	"kind,file_url,file_name,reactions,create_time,edit_time,expire_time,ttl_seconds,expired"

const (
	insertMessageSQL = "INSERT INTO messages (id,content,sender_id,sender_name,channel_id,recipient_id," +
		"kind,file_url,file_name,reactions,create_time,edit_time,expire_time,ttl_seconds,expired) " +
		"VALUES (?,?,?,?,?,?,?,?,?,?,?,0,?,?,0)"
	lockMessageSQL = "SELECT " + messageColumns + " FROM messages WHERE id=? FOR UPDATE"
	updateEditSQL  = "UPDATE messages SET content=?, edit_time=?, expire_time=? WHERE id=?"
	updateReactSQL = "UPDATE messages SET reactions=? WHERE id=?"
	markExpiredSQL = "UPDATE messages SET expired=1 WHERE id=?"

	channelHistorySQL = "SELECT " + messageColumns + " FROM messages " +
		"WHERE channel_id=? AND expired=0 AND seq<? ORDER BY seq DESC LIMIT ?"
	dmHistorySQL = "SELECT " + messageColumns + " FROM messages " +
		"WHERE ((sender_id=? AND recipient_id=?) OR (sender_id=? AND recipient_id=?)) " +
		"AND expired=0 AND seq<? ORDER BY seq DESC LIMIT ?"
	pendingExpirySQL = "SELECT " + messageColumns + " FROM messages WHERE expired=0 AND expire_time>0"
)

// messageStore implements IMessageStore on MySQL. Same-id mutations
// are serialized by the `FOR UPDATE` row lock inside a transaction.
type messageStore struct {
	*sql.DB
}

func NewMessageStore(db *sql.DB) IMessageStore {
	return &messageStore{db}
}

func (s *messageStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return asStoreError(err)
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return asStoreError(tx.Commit())
}

// asStoreError maps driver and context failures to the transient
// class; model errors pass through untouched.
func asStoreError(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*model.Error); ok {
		return e
	}
	return model.NewError(model.CodeTransientIO, err.Error())
}

func (s *messageStore) Append(ctx context.Context, m *model.Message) (*model.Message, error) {
	if err := validateTarget(m); err != nil {
		return nil, err
	}

	out := m.Clone()
	out.ID = strings.ReplaceAll(uuid.New(), "-", "")
	out.CreateTime = time.Now().Unix()
	out.EditTime = 0
	out.Reactions = map[string][]string{}
	if out.Kind == "" {
		out.Kind = model.KindText
	}
	if out.TTLSeconds > 0 {
		out.ExpireTime = out.CreateTime + out.TTLSeconds
	} else {
		out.ExpireTime = 0
		out.TTLSeconds = 0
	}

	reactions, _ := json.Marshal(out.Reactions)

	res, err := s.ExecContext(ctx, insertMessageSQL,
		out.ID, out.Content, out.SenderID, out.SenderName, out.ChannelID, out.RecipientID,
		out.Kind, out.FileURL, out.FileName, string(reactions),
		out.CreateTime, out.ExpireTime, out.TTLSeconds)
	if err != nil {
		glog.Errorf("append message exec err: %v", err)
		return nil, asStoreError(err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return nil, asStoreError(err)
	}
	out.Seq = seq
	return out, nil
}

func (s *messageStore) Edit(ctx context.Context, id, content, editor string, resetTTL bool) (*model.Message, error) {
	var out *model.Message
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		m, err := lockMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.SenderID != editor {
			return model.NewError(model.CodeForbidden, "can only edit your own messages")
		}

		m.Content = content
		m.EditTime = time.Now().Unix()
		if resetTTL && m.TTLSeconds > 0 {
			m.ExpireTime = m.EditTime + m.TTLSeconds
		}

		if _, err := tx.ExecContext(ctx, updateEditSQL, m.Content, m.EditTime, m.ExpireTime, id); err != nil {
			glog.Errorf("edit message exec err: %v", err)
			return asStoreError(err)
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *messageStore) AddReaction(ctx context.Context, id, emoji, uid string) (*model.Message, error) {
	var out *model.Message
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		m, err := lockMessage(ctx, tx, id)
		if err != nil {
			return err
		}

		if !m.HasReaction(emoji, uid) {
			if m.Reactions == nil {
				m.Reactions = map[string][]string{}
			}
			m.Reactions[emoji] = append(m.Reactions[emoji], uid)

			reactions, _ := json.Marshal(m.Reactions)
			if _, err := tx.ExecContext(ctx, updateReactSQL, string(reactions), id); err != nil {
				glog.Errorf("add reaction exec err: %v", err)
				return asStoreError(err)
			}
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *messageStore) History(ctx context.Context, target Target, beforeSeq int64, limit int32) ([]*model.Message, error) {
	if beforeSeq <= 0 {
		beforeSeq = math.MaxInt64
	}

	var rows *sql.Rows
	var err error
	if target.ChannelID != "" {
		rows, err = s.QueryContext(ctx, channelHistorySQL, target.ChannelID, beforeSeq, limit)
	} else {
		rows, err = s.QueryContext(ctx, dmHistorySQL,
			target.UserA, target.UserB, target.UserB, target.UserA, beforeSeq, limit)
	}
	if err != nil {
		glog.Errorf("history query err: %v", err)
		return nil, asStoreError(err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			glog.Errorf("history scan err: %v", err)
			return nil, asStoreError(err)
		}
		out = append(out, m)
	}
	return out, asStoreError(rows.Err())
}

func (s *messageStore) MarkExpired(ctx context.Context, id string) (*model.Message, error) {
	var out *model.Message
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		m, err := lockMessageAny(ctx, tx, id)
		if err != nil {
			return err
		}
		if !m.expired {
			if _, err := tx.ExecContext(ctx, markExpiredSQL, id); err != nil {
				glog.Errorf("mark expired exec err: %v", err)
				return asStoreError(err)
			}
		}
		out = m.Message
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *messageStore) PendingExpiries(ctx context.Context) ([]*model.Message, error) {
	rows, err := s.QueryContext(ctx, pendingExpirySQL)
	if err != nil {
		return nil, asStoreError(err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, asStoreError(err)
		}
		out = append(out, m)
	}
	return out, asStoreError(rows.Err())
}

type lockedMessage struct {
	*model.Message
	expired bool
}

// lockMessage locks the row and returns the live message; expired and
// unknown ids both report NotFound, so edits racing expiry lose once
// the expired flag is committed.
func lockMessage(ctx context.Context, tx *sql.Tx, id string) (*model.Message, error) {
	m, err := lockMessageAny(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if m.expired {
		return nil, model.NewError(model.CodeNotFound, "message not found: "+id)
	}
	return m.Message, nil
}

func lockMessageAny(ctx context.Context, tx *sql.Tx, id string) (*lockedMessage, error) {
	row := tx.QueryRowContext(ctx, lockMessageSQL, id)

	var expired byte
	m, err := scanMessage(func(dest ...interface{}) error { return row.Scan(dest...) }, &expired)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NewError(model.CodeNotFound, "message not found: "+id)
		}
		glog.Errorf("lock message scan err: %v", err)
		return nil, asStoreError(err)
	}
	return &lockedMessage{Message: m, expired: expired > 0}, nil
}

// scanMessage scans one messageColumns row. The optional expired
// destination lets callers observe the flag; by default it is
// discarded.
func scanMessage(scan func(...interface{}) error, expiredDest ...*byte) (*model.Message, error) {
	var m model.Message
	var reactions string
	var expired byte

	dests := []interface{}{
		&m.Seq, &m.ID, &m.Content, &m.SenderID, &m.SenderName, &m.ChannelID, &m.RecipientID,
		&m.Kind, &m.FileURL, &m.FileName, &reactions,
		&m.CreateTime, &m.EditTime, &m.ExpireTime, &m.TTLSeconds, &expired,
	}
	if err := scan(dests...); err != nil {
		return nil, err
	}
	if len(expiredDest) > 0 {
		*expiredDest[0] = expired
	}

	m.Reactions = map[string][]string{}
	if reactions != "" {
		if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
			glog.Errorf("decode reactions err, id: %s, err: %v", m.ID, err)
		}
	}
	return &m, nil
}

// IsDupKeyError reports MySQL duplicate key violations, so callers can
// tell replays from real failures.
func IsDupKeyError(err error) bool {
	if e, ok := err.(*mysql.MySQLError); ok {
		return e.Number == 1062
	}
	return false
}
