package model

import (
	"fmt"
	"time"
)

// Ticket は問い合わせ者とスタッフ側スレッドの対応付け
type Ticket struct {
	ID             uint   `gorm:"primary_key"`
	RequesterID    string `gorm:"type:varchar(50);unique_index"` // 問い合わせ者の Slack ユーザー ID
	ThreadID       string `gorm:"type:varchar(50);index"`        // スタッフチャンネルのスレッド ts (未割当は空)
	Closed         bool
	LastActivityAt time.Time
	CreatedAt      time.Time
}

func (t *Ticket) HasThread() bool {
	return t.ThreadID != ""
}

// Title is the deterministic name of the staff-side thread.
func (t *Ticket) Title() string {
	return fmt.Sprintf("Ticket #%d", t.ID)
}

// IdleExpired reports whether more than timeout has passed since the last
// recorded activity. A ticket without recorded activity never expires.
func (t *Ticket) IdleExpired(now time.Time, timeout time.Duration) bool {
	if t.LastActivityAt.IsZero() {
		return false
	}
	return now.Sub(t.LastActivityAt) > timeout
}
