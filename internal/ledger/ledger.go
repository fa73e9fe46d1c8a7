package ledger

import (
	"context"
	"html"
	"strings"
	"time"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/imageflow/internal/database"
	"github.com/BaSui01/imageflow/internal/metrics"
	"github.com/BaSui01/imageflow/types"
)

// 事件类型
const (
	EventGenerate = "generate"
	EventEdit     = "edit"
)

// 默认值
const (
	DefaultLimit           = 50
	DefaultPromptMaxLength = 500
	fieldMaxLength         = 100
	txRetries              = 3
)

// Event 是一条出处记录。
type Event struct {
	Type          string    `json:"type"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Mode          string    `json:"mode"`
	Prompt        string    `json:"prompt"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"user_id"`
	DerivedFromID uint      `json:"derived_from_id,omitempty"`
}

// Record 是 provenance_events 表的行。
type Record struct {
	ID            uint      `gorm:"primaryKey"`
	AttachmentID  uint      `gorm:"not null;index:idx_provenance_attachment"`
	Type          string    `gorm:"size:16;not null"`
	Provider      string    `gorm:"size:100"`
	Model         string    `gorm:"size:100"`
	Mode          string    `gorm:"size:16"`
	Prompt        string    `gorm:"type:text"`
	UserID        string    `gorm:"size:100"`
	DerivedFromID uint
	CreatedAt     time.Time
}

// TableName 表名
func (Record) TableName() string { return "provenance_events" }

func (r Record) event() Event {
	return Event{
		Type:          r.Type,
		Provider:      r.Provider,
		Model:         r.Model,
		Mode:          r.Mode,
		Prompt:        r.Prompt,
		Timestamp:     r.CreatedAt.UTC(),
		UserID:        r.UserID,
		DerivedFromID: r.DerivedFromID,
	}
}

// Config 历史记录配置。Enabled 默认关闭。
type Config struct {
	Enabled         bool
	Limit           int
	PromptMaxLength int
}

// DefaultConfig 返回默认配置（关闭）。
func DefaultConfig() Config {
	return Config{Limit: DefaultLimit, PromptMaxLength: DefaultPromptMaxLength}
}

// Ledger 每个附件的有界出处历史。
type Ledger struct {
	db      *gorm.DB
	cfg     Config
	policy  *bluemonday.Policy
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// New 创建历史记录器。
func New(db *gorm.DB, cfg Config, logger *zap.Logger, collector *metrics.Collector) *Ledger {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.PromptMaxLength <= 0 {
		cfg.PromptMaxLength = DefaultPromptMaxLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		db:      db,
		cfg:     cfg,
		policy:  bluemonday.StrictPolicy(),
		logger:  logger.With(zap.String("component", "ledger")),
		metrics: collector,
		now:     time.Now,
	}
}

// Enabled 报告隐私开关。
func (l *Ledger) Enabled() bool { return l.cfg.Enabled }

// Limit 返回每个附件保留的条数。
func (l *Ledger) Limit() int { return l.cfg.Limit }

// Append 写入一条事件并裁剪到最新的 Limit 条。关闭时直接返回。
func (l *Ledger) Append(ctx context.Context, attachmentID uint, ev Event) error {
	if !l.cfg.Enabled {
		l.metrics.RecordHistoryEvent(ev.Type, "skipped")
		return nil
	}
	if attachmentID == 0 {
		return types.NewError(types.ErrInvalidInput, "history requires an attachment id")
	}

	ev = l.Sanitize(ev)
	rec := Record{
		AttachmentID:  attachmentID,
		Type:          ev.Type,
		Provider:      ev.Provider,
		Model:         ev.Model,
		Mode:          ev.Mode,
		Prompt:        ev.Prompt,
		UserID:        ev.UserID,
		DerivedFromID: ev.DerivedFromID,
		CreatedAt:     ev.Timestamp.UTC(),
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}

	err := database.RunInTransaction(ctx, l.db, txRetries, l.logger, func(tx *gorm.DB) error {
		rec.ID = 0
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return l.trim(tx, attachmentID)
	})
	if err != nil {
		l.metrics.RecordHistoryEvent(rec.Type, "error")
		return types.Wrap(err, types.ErrStorage, "append history event")
	}
	l.metrics.RecordHistoryEvent(rec.Type, "success")
	return nil
}

// trim 删除第 Limit 条之前的所有旧事件。
func (l *Ledger) trim(tx *gorm.DB, attachmentID uint) error {
	var cutoff []uint
	err := tx.Model(&Record{}).
		Where("attachment_id = ?", attachmentID).
		Order("id DESC").
		Offset(l.cfg.Limit).
		Limit(1).
		Pluck("id", &cutoff).Error
	if err != nil || len(cutoff) == 0 {
		return err
	}
	return tx.Where("attachment_id = ? AND id <= ?", attachmentID, cutoff[0]).
		Delete(&Record{}).Error
}

// List 按时间正序返回附件的事件。
func (l *Ledger) List(ctx context.Context, attachmentID uint) ([]Event, error) {
	var rows []Record
	err := l.db.WithContext(ctx).
		Where("attachment_id = ?", attachmentID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, types.Wrap(err, types.ErrStorage, "list history")
	}
	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.event())
	}
	return events, nil
}

// Sanitize 返回可原样渲染的事件副本：去除标记与控制字符，提示词按字符截断。
// 附件元数据中的最近事件与历史行使用同一结果。
func (l *Ledger) Sanitize(ev Event) Event {
	ev.Type = l.clean(ev.Type, fieldMaxLength)
	ev.Provider = l.clean(ev.Provider, fieldMaxLength)
	ev.Model = l.clean(ev.Model, fieldMaxLength)
	ev.Mode = l.clean(ev.Mode, fieldMaxLength)
	ev.Prompt = l.clean(ev.Prompt, l.cfg.PromptMaxLength)
	ev.UserID = l.clean(ev.UserID, fieldMaxLength)
	return ev
}

// clean 去除标记与控制字符并按字符截断。
func (l *Ledger) clean(s string, max int) string {
	if s == "" {
		return ""
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t' || r == '\r':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(stripMarkup(l.policy, s))
	if r := []rune(s); len(r) > max {
		s = strings.TrimSpace(string(r[:max]))
	}
	return s
}

const maxStripRounds = 8

// stripMarkup 反复去标记并反转义，直到结果不再变化。
// 实体编码的标签在反转义后会被再次剥离；轮数耗尽时删除残留的尖括号。
func stripMarkup(policy *bluemonday.Policy, s string) string {
	for i := 0; i < maxStripRounds; i++ {
		next := html.UnescapeString(policy.Sanitize(s))
		if next == s {
			return s
		}
		s = next
	}
	return strings.NewReplacer("<", "", ">", "").Replace(s)
}
