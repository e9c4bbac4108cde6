package roster

import (
	"context"
	"database/sql"
	"time"

	"github.com/golang/glog"

	"github.com/slacklite/relay/model"
)

const (
	membersOfSQL   = "SELECT uid FROM channel_members WHERE channel_id=?"
	isMemberSQL    = "SELECT 1 FROM channel_members WHERE channel_id=? AND uid=?"
	joinChannelSQL = "INSERT IGNORE INTO channel_members (channel_id, uid, join_time) VALUES (?,?,?)"
	leaveSQL       = "DELETE FROM channel_members WHERE channel_id=? AND uid=?"
)

type mysqlRoster struct {
	*sql.DB
}

func NewMySQLRoster(db *sql.DB) IRoster {
	return &mysqlRoster{db}
}

func (r *mysqlRoster) MembersOf(ctx context.Context, channelID string) ([]string, error) {
	rows, err := r.QueryContext(ctx, membersOfSQL, channelID)
	if err != nil {
		glog.Errorf("members query err: %v", err)
		return nil, model.NewError(model.CodeTransientIO, err.Error())
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			glog.Errorf("members scan err: %v", err)
			return nil, model.NewError(model.CodeTransientIO, err.Error())
		}
		out = append(out, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewError(model.CodeTransientIO, err.Error())
	}
	return out, nil
}

func (r *mysqlRoster) IsMember(ctx context.Context, channelID, uid string) (bool, error) {
	row := r.QueryRowContext(ctx, isMemberSQL, channelID, uid)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		glog.Errorf("is member scan err: %v", err)
		return false, model.NewError(model.CodeTransientIO, err.Error())
	}
	return true, nil
}

func (r *mysqlRoster) Join(ctx context.Context, channelID, uid string) error {
	if _, err := r.ExecContext(ctx, joinChannelSQL, channelID, uid, time.Now().Unix()); err != nil {
		glog.Errorf("join exec err: %v", err)
		return model.NewError(model.CodeTransientIO, err.Error())
	}
	return nil
}

func (r *mysqlRoster) Leave(ctx context.Context, channelID, uid string) error {
	if _, err := r.ExecContext(ctx, leaveSQL, channelID, uid); err != nil {
		glog.Errorf("leave exec err: %v", err)
		return model.NewError(model.CodeTransientIO, err.Error())
	}
	return nil
}
