package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StringList is stored as a JSON array in a text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = StringList{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported type for StringList: %T", src)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// ConversationLog は問い合わせ単位のやりとりの監査ログ
// チケット削除後も残る
type ConversationLog struct {
	ID           uint       `gorm:"primary_key"`
	RequesterID  string     `gorm:"type:varchar(50);unique_index:idx_conversation_pair"`
	ThreadID     string     `gorm:"type:varchar(50);unique_index:idx_conversation_pair"`
	Messages     StringList `gorm:"type:text"`
	SupporterIDs StringList `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Append adds message and records supporterID once when it is not empty.
func (c *ConversationLog) Append(message, supporterID string) {
	c.Messages = append(c.Messages, message)
	if supporterID != "" && !c.SupporterIDs.Contains(supporterID) {
		c.SupporterIDs = append(c.SupporterIDs, supporterID)
	}
}

func (c ConversationLog) String() string {
	return fmt.Sprintf("requester:%s thread:%s supporters:%s messages:%s",
		c.RequesterID, c.ThreadID, strings.Join(c.SupporterIDs, ","), strings.Join(c.Messages, " / "))
}
