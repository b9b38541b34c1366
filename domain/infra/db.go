package infra

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/jinzhu/gorm"
	"github.com/mattn/go-sqlite3"
	"github.com/pyama86/slaffic-relay/domain/model"
)

type DataBase struct {
	db *gorm.DB
}

func NewDataBase(dbpath string) (*DataBase, error) {
	if dbpath == "" {
		dbpath = "./db/slaffic_relay.db"
	}
	if !path.IsAbs(dbpath) {
		dbpath = path.Join(os.Getenv("PWD"), dbpath)
	}
	if err := os.MkdirAll(filepath.Dir(dbpath), 0o755); err != nil {
		return nil, err
	}
	db, err := gorm.Open("sqlite3", dbpath+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// sqlite は書き込みが直列なのでコネクションは1本にする
	db.DB().SetMaxOpenConns(1)
	d := &DataBase{db: db}
	if err := d.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DataBase) Migrate() error {
	return d.db.AutoMigrate(
		&model.Ticket{},
		&model.ConversationLog{},
		&model.Language{},
	).Error
}

func (d *DataBase) Close() error {
	return d.db.Close()
}

func (d *DataBase) Ping(ctx context.Context) error {
	return d.db.DB().PingContext(ctx)
}

func (d *DataBase) CreateTicket(ctx context.Context, requesterID string, at time.Time) (*model.Ticket, error) {
	ticket := &model.Ticket{
		RequesterID:    requesterID,
		LastActivityAt: at.UTC(),
		CreatedAt:      timeNow(),
	}
	err := d.db.Transaction(func(tx *gorm.DB) error {
		var count int
		if err := tx.Model(&model.Ticket{}).Where("requester_id = ? AND closed = ?", requesterID, false).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		return tx.Create(ticket).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return ticket, nil
}

func (d *DataBase) GetTicketByRequester(ctx context.Context, requesterID string) (*model.Ticket, error) {
	return d.findTicket("requester_id = ? AND closed = ?", requesterID, false)
}

func (d *DataBase) GetTicketByThread(ctx context.Context, threadID string) (*model.Ticket, error) {
	if threadID == "" {
		return nil, ErrNotFound
	}
	return d.findTicket("thread_id = ? AND closed = ?", threadID, false)
}

func (d *DataBase) findTicket(query string, args ...interface{}) (*model.Ticket, error) {
	var ticket model.Ticket
	err := d.db.Where(query, args...).First(&ticket).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (d *DataBase) AssignThread(ctx context.Context, requesterID, threadID string) error {
	return d.updateTicket(requesterID, map[string]interface{}{"thread_id": threadID})
}

func (d *DataBase) TouchTicket(ctx context.Context, requesterID string, at time.Time) error {
	return d.updateTicket(requesterID, map[string]interface{}{"last_activity_at": at.UTC()})
}

func (d *DataBase) updateTicket(requesterID string, fields map[string]interface{}) error {
	// 値が変わらない UPDATE でも sqlite は変更行数を数えるので、0 件は存在しないとみなせる
	res := d.db.Model(&model.Ticket{}).
		Where("requester_id = ? AND closed = ?", requesterID, false).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DataBase) CloseTicket(ctx context.Context, requesterID string) error {
	return d.db.Where("requester_id = ?", requesterID).Delete(&model.Ticket{}).Error
}

func (d *DataBase) AppendLog(ctx context.Context, requesterID, threadID, message, supporterID string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var entry model.ConversationLog
		err := tx.Where("requester_id = ? AND thread_id = ?", requesterID, threadID).First(&entry).Error
		if gorm.IsRecordNotFoundError(err) {
			entry = model.ConversationLog{
				RequesterID:  requesterID,
				ThreadID:     threadID,
				Messages:     model.StringList{},
				SupporterIDs: model.StringList{},
			}
			entry.Append(message, supporterID)
			return tx.Create(&entry).Error
		}
		if err != nil {
			return err
		}
		entry.Append(message, supporterID)
		return tx.Save(&entry).Error
	})
}

func (d *DataBase) GetLog(ctx context.Context, requesterID, threadID string) (*model.ConversationLog, error) {
	var entry model.ConversationLog
	err := d.db.Where("requester_id = ? AND thread_id = ?", requesterID, threadID).First(&entry).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d *DataBase) GetLanguage(ctx context.Context, chatID string) (string, error) {
	var lang model.Language
	err := d.db.Where("chat_id = ?", chatID).First(&lang).Error
	if gorm.IsRecordNotFoundError(err) {
		return "", nil
	}
	return lang.Lang, err
}

func (d *DataBase) SetLanguage(ctx context.Context, chatID, lang string) error {
	return d.db.Save(&model.Language{ChatID: chatID, Lang: lang, UpdatedAt: timeNow()}).Error
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
