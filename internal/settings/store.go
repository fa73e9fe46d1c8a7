package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/imageflow/llm/image"
	"github.com/BaSui01/imageflow/types"
)

// Source 凭据来源
type Source string

const (
	SourceDeployment Source = "deployment"
	SourceStored     Source = "stored"
	SourceNone       Source = "none"
)

// Secret 是服务商凭据。打印与序列化时始终脱敏。
type Secret string

// Reveal 返回明文，仅供适配器使用。
func (s Secret) Reveal() string { return string(s) }

func (s Secret) String() string { return image.MaskSecret(string(s)) }

// GoString 防止 %#v 泄露明文。
func (s Secret) GoString() string { return s.String() }

// MarshalJSON 输出脱敏值。
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// StoredCredential 是 provider_credentials 表的行。
type StoredCredential struct {
	Provider  string    `gorm:"primaryKey;size:32"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

// TableName 表名
func (StoredCredential) TableName() string { return "provider_credentials" }

// ProviderStatus 单个服务商的连接状态。
type ProviderStatus struct {
	Provider  image.Provider `json:"provider"`
	Connected bool           `json:"connected"`
	Source    Source         `json:"source"`
	Hint      string         `json:"hint,omitempty"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
}

// Store 管理服务商凭据。部署级覆盖（配置或环境变量）始终优先于数据库中保存的值。
type Store struct {
	db        *gorm.DB
	overrides map[image.Provider]Secret
	logger    *zap.Logger
}

// NewStore 创建凭据存储。overrides 中的空值被忽略。
func NewStore(db *gorm.DB, overrides map[image.Provider]string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := make(map[image.Provider]Secret, len(overrides))
	for p, v := range overrides {
		if v = strings.TrimSpace(v); v != "" {
			o[p] = Secret(v)
		}
	}
	return &Store{db: db, overrides: o, logger: logger.With(zap.String("component", "settings"))}
}

// Lookup 返回凭据与来源。
func (s *Store) Lookup(ctx context.Context, provider image.Provider) (Secret, Source, error) {
	if v, ok := s.overrides[provider]; ok {
		return v, SourceDeployment, nil
	}
	row, err := s.stored(ctx, provider)
	if err != nil || row == nil {
		return "", SourceNone, err
	}
	return Secret(row.Value), SourceStored, nil
}

func (s *Store) stored(ctx context.Context, provider image.Provider) (*StoredCredential, error) {
	var row StoredCredential
	err := s.db.WithContext(ctx).Where("provider = ?", string(provider)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.Wrap(err, types.ErrStorage, "load credential")
	}
	if strings.TrimSpace(row.Value) == "" {
		return nil, nil
	}
	return &row, nil
}

// Credential 实现 image.CredentialSource。
func (s *Store) Credential(ctx context.Context, provider image.Provider) (string, bool, error) {
	secret, src, err := s.Lookup(ctx, provider)
	if err != nil {
		return "", false, err
	}
	return secret.Reveal(), src != SourceNone, nil
}

// SetCredential 保存凭据。存在部署级覆盖时仍会保存，但不会生效。
func (s *Store) SetCredential(ctx context.Context, provider image.Provider, value string) error {
	if _, err := image.ParseProvider(string(provider)); err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return types.NewError(types.ErrInvalidInput, "credential value is required")
	}
	row := StoredCredential{Provider: string(provider), Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return types.Wrap(err, types.ErrStorage, "save credential")
	}
	if _, ok := s.overrides[provider]; ok {
		s.logger.Warn("stored credential is shadowed by deployment override", zap.String("provider", string(provider)))
	}
	s.logger.Info("credential stored", zap.String("provider", string(provider)), zap.Stringer("value", Secret(value)))
	return nil
}

// DeleteCredential 删除保存的凭据。不存在时视为成功。
func (s *Store) DeleteCredential(ctx context.Context, provider image.Provider) error {
	if _, err := image.ParseProvider(string(provider)); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Where("provider = ?", string(provider)).Delete(&StoredCredential{}).Error
	if err != nil {
		return types.Wrap(err, types.ErrStorage, "delete credential")
	}
	s.logger.Info("credential removed", zap.String("provider", string(provider)))
	return nil
}

// Status 返回所有服务商的连接状态。
func (s *Store) Status(ctx context.Context) ([]ProviderStatus, error) {
	out := make([]ProviderStatus, 0, len(image.Providers()))
	for _, p := range image.Providers() {
		st := ProviderStatus{Provider: p, Source: SourceNone}
		if v, ok := s.overrides[p]; ok {
			st.Connected, st.Source, st.Hint = true, SourceDeployment, v.String()
			out = append(out, st)
			continue
		}
		row, err := s.stored(ctx, p)
		if err != nil {
			return nil, err
		}
		if row != nil {
			updated := row.UpdatedAt.UTC()
			st.Connected, st.Source, st.Hint = true, SourceStored, Secret(row.Value).String()
			st.UpdatedAt = &updated
		}
		out = append(out, st)
	}
	return out, nil
}
