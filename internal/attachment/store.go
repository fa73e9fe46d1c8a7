package attachment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/imageflow/internal/database"
	"github.com/BaSui01/imageflow/internal/ledger"
	"github.com/BaSui01/imageflow/types"
)

const txRetries = 3

// =============================================================================
// 🗄️ 数据模型
// =============================================================================

// Attachment 是 attachments 表的行。
type Attachment struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Owner      string    `gorm:"size:100;not null;index" json:"owner"`
	Filename   string    `gorm:"size:255;not null" json:"filename"`
	Title      string    `gorm:"size:255" json:"title"`
	MimeType   string    `gorm:"size:64;not null" json:"mime_type"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Size       int64     `json:"size"`
	StorageKey string    `gorm:"size:512;not null;uniqueIndex" json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName 表名
func (Attachment) TableName() string { return "attachments" }

// IsImage 报告附件是否为图像。
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// Meta 是 attachment_meta 表的行。
type Meta struct {
	ID           uint   `gorm:"primaryKey"`
	AttachmentID uint   `gorm:"not null;uniqueIndex:idx_attachment_meta_key"`
	MetaKey      string `gorm:"size:64;not null;uniqueIndex:idx_attachment_meta_key"`
	MetaValue    string `gorm:"type:text"`
}

// TableName 表名
func (Meta) TableName() string { return "attachment_meta" }

// Models 返回需要迁移的模型。
func Models() []any {
	return []any{&Attachment{}, &Meta{}}
}

// File 描述待写入的图像。
type File struct {
	Owner    string
	Filename string
	Title    string
	MimeType string
	Width    int
	Height   int
	Data     []byte
	Metadata AIMetadata
}

// =============================================================================
// 📦 Store
// =============================================================================

// Store 组合数据库记录与二进制存储。记录与字节要么同时存在，要么都不存在。
type Store struct {
	db      *gorm.DB
	blobs   BlobStore
	baseURL string
	logger  *zap.Logger
	now     func() time.Time
}

// NewStore 创建附件存储。baseURL 用于拼接公开地址。
func NewStore(db *gorm.DB, blobs BlobStore, baseURL string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:      db,
		blobs:   blobs,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With(zap.String("component", "attachment")),
		now:     time.Now,
	}
}

// URL 返回附件的公开地址。
func (s *Store) URL(a *Attachment) string {
	if a == nil {
		return ""
	}
	return s.baseURL + "/" + a.StorageKey
}

func (s *Store) newKey(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "image"
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return s.now().UTC().Format("2006/01") + "/" + id + "-" + name
}

func validateFile(f File) error {
	switch {
	case f.Owner == "":
		return types.NewError(types.ErrInvalidInput, "attachment owner is required")
	case f.Filename == "":
		return types.NewError(types.ErrInvalidInput, "attachment filename is required")
	case len(f.Data) == 0:
		return types.NewError(types.ErrInvalidInput, "attachment data is empty")
	}
	return nil
}

// Save 写入字节，再在同一事务内插入记录与 AI 元数据。数据库失败时删除字节。
func (s *Store) Save(ctx context.Context, f File) (*Attachment, error) {
	if err := validateFile(f); err != nil {
		return nil, err
	}
	key := s.newKey(f.Filename)
	if err := s.blobs.Put(ctx, key, f.Data, f.MimeType); err != nil {
		return nil, types.Wrap(err, types.ErrStorage, "store attachment bytes")
	}

	rec := Attachment{
		Owner:      f.Owner,
		Filename:   f.Filename,
		Title:      f.Title,
		MimeType:   f.MimeType,
		Width:      f.Width,
		Height:     f.Height,
		Size:       int64(len(f.Data)),
		StorageKey: key,
	}
	err := database.RunInTransaction(ctx, s.db, txRetries, s.logger, func(tx *gorm.DB) error {
		rec.ID = 0
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return putMetadata(tx, rec.ID, f.Metadata)
	})
	if err != nil {
		s.dropBlob(key)
		return nil, types.Wrap(err, types.ErrStorage, "save attachment")
	}
	s.logger.Info("attachment saved",
		zap.Uint("id", rec.ID),
		zap.String("owner", rec.Owner),
		zap.Int64("bytes", rec.Size))
	return &rec, nil
}

// Overwrite 替换附件字节与尺寸，保留 id 与所有者。旧字节在提交后删除。
func (s *Store) Overwrite(ctx context.Context, id uint, f File) (*Attachment, error) {
	if len(f.Data) == 0 {
		return nil, types.NewError(types.ErrInvalidInput, "attachment data is empty")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	filename := current.Filename
	if f.Filename != "" {
		filename = f.Filename
	}
	key := s.newKey(filename)
	if err := s.blobs.Put(ctx, key, f.Data, f.MimeType); err != nil {
		return nil, types.Wrap(err, types.ErrStorage, "store attachment bytes")
	}

	var updated Attachment
	err = database.RunInTransaction(ctx, s.db, txRetries, s.logger, func(tx *gorm.DB) error {
		res := tx.Model(&Attachment{}).Where("id = ?", id).Updates(map[string]any{
			"filename":    filename,
			"mime_type":   f.MimeType,
			"width":       f.Width,
			"height":      f.Height,
			"size":        int64(len(f.Data)),
			"storage_key": key,
			"updated_at":  s.now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := putMetadata(tx, id, f.Metadata); err != nil {
			return err
		}
		return tx.First(&updated, id).Error
	})
	if err != nil {
		s.dropBlob(key)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(id)
		}
		return nil, types.Wrap(err, types.ErrStorage, "overwrite attachment")
	}
	s.dropBlob(current.StorageKey)
	return &updated, nil
}

func (s *Store) dropBlob(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Warn("orphaned attachment bytes", zap.String("key", key), zap.Error(err))
	}
}

// Get 读取附件记录。
func (s *Store) Get(ctx context.Context, id uint) (*Attachment, error) {
	var a Attachment
	err := s.db.WithContext(ctx).First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, types.Wrap(err, types.ErrStorage, "load attachment")
	}
	return &a, nil
}

// Exists 报告附件是否存在。
func (s *Store) Exists(ctx context.Context, id uint) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Attachment{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, types.Wrap(err, types.ErrStorage, "check attachment")
	}
	return n > 0, nil
}

// Owner 返回附件所有者，供权限检查使用。
func (s *Store) Owner(ctx context.Context, id uint) (string, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return a.Owner, nil
}

// LoadBytes 返回附件记录与字节。
func (s *Store) LoadBytes(ctx context.Context, id uint) (*Attachment, []byte, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.blobs.Get(ctx, a.StorageKey)
	if err != nil {
		if types.IsCode(err, types.ErrNotFound) {
			return nil, nil, notFound(id).WithCause(err)
		}
		return nil, nil, types.Wrap(err, types.ErrStorage, "load attachment bytes")
	}
	return a, data, nil
}

func notFound(id uint) *types.Error {
	return types.Errorf(types.ErrNotFound, "attachment %d not found", id)
}

// =============================================================================
// 🏷️ AI 元数据
// =============================================================================

// MetaKeyAI 结构化 AI 元数据的键。
const MetaKeyAI = "ai_metadata"

// 历史版本使用的离散键
const (
	legacyGenerated   = "_ai_generated"
	legacyEdited      = "_ai_edited"
	legacyProvider    = "_ai_provider"
	legacyModel       = "_ai_model"
	legacyPrompt      = "_ai_prompt"
	legacyDerivedFrom = "_ai_derived_from"
)

var legacyKeys = []string{legacyGenerated, legacyEdited, legacyProvider, legacyModel, legacyPrompt, legacyDerivedFrom}

// AIMetadata 附件的 AI 出处摘要。
type AIMetadata struct {
	Generated     bool          `json:"generated"`
	Edited        bool          `json:"edited"`
	LastEvent     *ledger.Event `json:"last_event,omitempty"`
	DerivedFromID uint          `json:"derived_from_id,omitempty"`
}

// IsZero 报告元数据是否为空。
func (m AIMetadata) IsZero() bool {
	return !m.Generated && !m.Edited && m.LastEvent == nil && m.DerivedFromID == 0
}

func putMetadata(tx *gorm.DB, id uint, md AIMetadata) error {
	if md.IsZero() {
		return nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return err
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "attachment_id"}, {Name: "meta_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"meta_value"}),
	}).Create(&Meta{AttachmentID: id, MetaKey: MetaKeyAI, MetaValue: string(raw)}).Error
}

// SetMetadata 写入结构化 AI 元数据。
func (s *Store) SetMetadata(ctx context.Context, id uint, md AIMetadata) error {
	err := database.RunInTransaction(ctx, s.db, txRetries, s.logger, func(tx *gorm.DB) error {
		return putMetadata(tx, id, md)
	})
	if err != nil {
		return types.Wrap(err, types.ErrStorage, "write ai metadata")
	}
	return nil
}

// Metadata 读取附件的 AI 元数据。存在旧版离散键时，
// 在一个事务内合并为结构化记录并删除旧键。
func (s *Store) Metadata(ctx context.Context, id uint) (*AIMetadata, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	var md AIMetadata
	err := database.RunInTransaction(ctx, s.db, txRetries, s.logger, func(tx *gorm.DB) error {
		md = AIMetadata{}
		var rows []Meta
		keys := append([]string{MetaKeyAI}, legacyKeys...)
		if err := tx.Where("attachment_id = ? AND meta_key IN ?", id, keys).Find(&rows).Error; err != nil {
			return err
		}
		legacy := make(map[string]string)
		for _, r := range rows {
			if r.MetaKey == MetaKeyAI {
				if err := json.Unmarshal([]byte(r.MetaValue), &md); err != nil {
					return fmt.Errorf("decode ai metadata: %w", err)
				}
				continue
			}
			legacy[r.MetaKey] = r.MetaValue
		}
		if len(legacy) == 0 {
			return nil
		}
		md = foldLegacy(md, legacy)
		if err := putMetadata(tx, id, md); err != nil {
			return err
		}
		return tx.Where("attachment_id = ? AND meta_key IN ?", id, legacyKeys).Delete(&Meta{}).Error
	})
	if err != nil {
		return nil, types.Wrap(err, types.ErrStorage, "read ai metadata")
	}
	return &md, nil
}

// foldLegacy 把旧版键合并进结构化记录，已有的结构化字段优先。
func foldLegacy(md AIMetadata, legacy map[string]string) AIMetadata {
	truthy := func(v string) bool {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	}
	md.Generated = md.Generated || truthy(legacy[legacyGenerated])
	md.Edited = md.Edited || truthy(legacy[legacyEdited])
	if md.DerivedFromID == 0 {
		if n, err := strconv.ParseUint(strings.TrimSpace(legacy[legacyDerivedFrom]), 10, 64); err == nil {
			md.DerivedFromID = uint(n)
		}
	}
	if md.LastEvent == nil && (legacy[legacyProvider] != "" || legacy[legacyModel] != "" || legacy[legacyPrompt] != "") {
		ev := &ledger.Event{
			Type:          ledger.EventGenerate,
			Provider:      legacy[legacyProvider],
			Model:         legacy[legacyModel],
			Prompt:        legacy[legacyPrompt],
			DerivedFromID: md.DerivedFromID,
		}
		if md.Edited {
			ev.Type = ledger.EventEdit
		}
		md.LastEvent = ev
	}
	return md
}
