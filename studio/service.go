package studio

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/internal/attachment"
	"github.com/BaSui01/imageflow/internal/buffer"
	"github.com/BaSui01/imageflow/internal/ledger"
	"github.com/BaSui01/imageflow/internal/permission"
	"github.com/BaSui01/imageflow/internal/telemetry"
	"github.com/BaSui01/imageflow/llm/image"
	"github.com/BaSui01/imageflow/llm/image/catalog"
	"github.com/BaSui01/imageflow/llm/image/normalize"
	"github.com/BaSui01/imageflow/types"
)

// =============================================================================
// 🔌 协作者
// =============================================================================

// Attachments 是附件存储的子集。
type Attachments interface {
	Save(ctx context.Context, f attachment.File) (*attachment.Attachment, error)
	Overwrite(ctx context.Context, id uint, f attachment.File) (*attachment.Attachment, error)
	Get(ctx context.Context, id uint) (*attachment.Attachment, error)
	LoadBytes(ctx context.Context, id uint) (*attachment.Attachment, []byte, error)
	Metadata(ctx context.Context, id uint) (*attachment.AIMetadata, error)
	URL(a *attachment.Attachment) string
}

// Buffers 是编辑缓冲区的子集。
type Buffers interface {
	Put(ctx context.Context, entry buffer.Entry, data []byte) (*buffer.Entry, error)
	Read(ctx context.Context, owner, token string) (*buffer.Entry, []byte, error)
	Take(ctx context.Context, owner, token string) (*buffer.Entry, []byte, error)
	Restore(ctx context.Context, entry buffer.Entry, data []byte) error
}

// History 是出处历史的子集。
type History interface {
	Append(ctx context.Context, attachmentID uint, ev ledger.Event) error
	List(ctx context.Context, attachmentID uint) ([]ledger.Event, error)
	Sanitize(ev ledger.Event) ledger.Event
}

// Options 组装 Service。
type Options struct {
	Registry    *image.Registry
	Catalog     image.Capabilities
	ModelCache  *catalog.ModelCache
	Normalizer  *normalize.Normalizer
	Attachments Attachments
	Buffers     Buffers
	History     History
	Gate        permission.Gate
	Credentials image.CredentialSource
	Logger      *zap.Logger
}

// Service 编排生成与编辑：校验 → 适配器 → 规范化 → 持久化 → 历史。
type Service struct {
	registry    *image.Registry
	catalog     image.Capabilities
	models      *catalog.ModelCache
	normalizer  *normalize.Normalizer
	attachments Attachments
	buffers     Buffers
	history     History
	gate        permission.Gate
	credentials image.CredentialSource
	logger      *zap.Logger
	now         func() time.Time
}

// New 创建编排服务。
func New(opts Options) (*Service, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("studio: registry is required")
	case opts.Normalizer == nil:
		return nil, errors.New("studio: normalizer is required")
	case opts.Attachments == nil:
		return nil, errors.New("studio: attachment store is required")
	case opts.Buffers == nil:
		return nil, errors.New("studio: buffer store is required")
	case opts.History == nil:
		return nil, errors.New("studio: history is required")
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.ModelCache == nil {
		opts.ModelCache = catalog.NewModelCache(0, 0, nil)
	}
	if opts.Gate == nil {
		opts.Gate = permission.AllowAll{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		registry:    opts.Registry,
		catalog:     opts.Catalog,
		models:      opts.ModelCache,
		normalizer:  opts.Normalizer,
		attachments: opts.Attachments,
		buffers:     opts.Buffers,
		history:     opts.History,
		gate:        opts.Gate,
		credentials: opts.Credentials,
		logger:      opts.Logger.With(zap.String("component", "studio")),
		now:         time.Now,
	}, nil
}

// =============================================================================
// 📤 结果
// =============================================================================

// GenerateResult 生成结果。
type GenerateResult struct {
	AttachmentID uint   `json:"attachment_id"`
	URL          string `json:"url"`
	Filename     string `json:"filename"`
	Title        string `json:"title"`
	MimeType     string `json:"mime_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

// BufferInfo 描述一个未提交的编辑结果。
type BufferInfo struct {
	Token     string         `json:"token"`
	ParentID  uint           `json:"parent_id"`
	MimeType  string         `json:"mime_type"`
	Width     int            `json:"width"`
	Height    int            `json:"height"`
	ExpiresAt time.Time      `json:"expires_at"`
	Context   buffer.Context `json:"context"`
}

func bufferInfo(e *buffer.Entry) *BufferInfo {
	return &BufferInfo{
		Token:     e.Token,
		ParentID:  e.ParentID,
		MimeType:  e.MimeType,
		Width:     e.Width,
		Height:    e.Height,
		ExpiresAt: e.ExpiresAt,
		Context:   e.Context,
	}
}

// EditResult 编辑结果。buffer 模式下只有 Buffer 字段有效。
type EditResult struct {
	Mode         image.SaveMode `json:"mode"`
	AttachmentID uint           `json:"attachment_id,omitempty"`
	URL          string         `json:"url,omitempty"`
	Filename     string         `json:"filename,omitempty"`
	Title        string         `json:"title,omitempty"`
	MimeType     string         `json:"mime_type"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	Buffer       *BufferInfo    `json:"buffer,omitempty"`
}

func attachmentResult(mode image.SaveMode, a *attachment.Attachment, url string) *EditResult {
	return &EditResult{
		Mode:         mode,
		AttachmentID: a.ID,
		URL:          url,
		Filename:     a.Filename,
		Title:        a.Title,
		MimeType:     a.MimeType,
		Width:        a.Width,
		Height:       a.Height,
	}
}

// =============================================================================
// 🎨 生成
// =============================================================================

// Generate 生成一张图像并保存为新附件。
func (s *Service) Generate(ctx context.Context, req *image.GenerateRequest) (res *GenerateResult, err error) {
	if req == nil {
		return nil, types.NewError(types.ErrInvalidInput, "request is required")
	}
	ctx, span := telemetry.StartSpan(ctx, "studio.generate",
		attribute.String("imageflow.provider", string(req.Provider)),
		attribute.String("imageflow.model", req.Model))
	defer func() { telemetry.EndSpan(span, err) }()

	user := userOf(ctx)
	if err := s.gate.CanGenerate(ctx, user); err != nil {
		return nil, err
	}

	r := *req
	if r.Provider, err = image.ParseProvider(string(r.Provider)); err != nil {
		return nil, err
	}
	if r.Format, err = image.ParseFormat(string(r.Format)); err != nil {
		return nil, err
	}
	r.Model = s.modelOrDefault(image.PurposeGenerate, r.Provider, r.Model)
	adapter, err := s.prepare(ctx, r.Provider, func() error {
		return image.ValidateGenerate(s.catalog, r.Provider, &r)
	})
	if err != nil {
		return nil, err
	}

	bin, err := adapter.Generate(ctx, &r)
	if err != nil {
		return nil, err
	}
	var w, h int
	if r.HasPixelSize() {
		w, h = r.Width, r.Height
	}
	out, err := s.normalizer.Normalize(bin.Data, r.Format, w, h)
	if err != nil {
		return nil, err
	}

	name := DeriveName(r.Prompt, r.Format)
	ev := ledger.Event{
		Type:      ledger.EventGenerate,
		Provider:  string(r.Provider),
		Model:     r.Model,
		Prompt:    r.Prompt,
		Timestamp: s.now().UTC(),
		UserID:    user,
	}
	att, err := s.attachments.Save(ctx, attachment.File{
		Owner:    user,
		Filename: name.Filename,
		Title:    name.Title,
		MimeType: out.MimeType,
		Width:    out.Width,
		Height:   out.Height,
		Data:     out.Data,
		Metadata: attachment.AIMetadata{Generated: true, LastEvent: s.lastEvent(ev)},
	})
	if err != nil {
		return nil, types.Wrap(err, types.ErrStorage, "save generated image")
	}
	s.record(ctx, att.ID, ev)

	s.logger.Info("image generated",
		zap.Uint("attachment_id", att.ID),
		zap.String("provider", string(r.Provider)),
		zap.String("model", r.Model),
		zap.String("user", user))
	return &GenerateResult{
		AttachmentID: att.ID,
		URL:          s.attachments.URL(att),
		Filename:     att.Filename,
		Title:        att.Title,
		MimeType:     att.MimeType,
		Width:        att.Width,
		Height:       att.Height,
	}, nil
}

// =============================================================================
// ✏️ 编辑
// =============================================================================

// editSource 是编辑的输入图与其父附件。
type editSource struct {
	parentID uint
	data     []byte
}

// Edit 编辑附件或缓冲结果，按保存模式落盘。
func (s *Service) Edit(ctx context.Context, req *image.EditRequest) (res *EditResult, err error) {
	if req == nil {
		return nil, types.NewError(types.ErrInvalidInput, "request is required")
	}
	ctx, span := telemetry.StartSpan(ctx, "studio.edit",
		attribute.String("imageflow.provider", string(req.Provider)),
		attribute.String("imageflow.model", req.Model),
		attribute.String("imageflow.save_mode", string(req.SaveMode)))
	defer func() { telemetry.EndSpan(span, err) }()

	user := userOf(ctx)
	if err := s.gate.CanEdit(ctx, user); err != nil {
		return nil, err
	}

	r := *req
	if r.Provider, err = image.ParseProvider(string(r.Provider)); err != nil {
		return nil, err
	}
	if r.Format, err = image.ParseFormat(string(r.Format)); err != nil {
		return nil, err
	}
	if r.SaveMode, err = image.ParseSaveMode(string(r.SaveMode)); err != nil {
		return nil, err
	}
	r.Model = s.modelOrDefault(image.PurposeEdit, r.Provider, r.Model)

	src, err := s.loadSource(ctx, user, &r)
	if err != nil {
		return nil, err
	}
	r.AttachmentID = src.parentID
	if r.SaveMode == image.ReplaceOriginal {
		if err := s.gate.CanReplaceOriginal(ctx, user, src.parentID); err != nil {
			return nil, err
		}
	}
	adapter, err := s.prepare(ctx, r.Provider, func() error {
		return image.ValidateEdit(s.catalog, r.Provider, &r, src.data)
	})
	if err != nil {
		return nil, err
	}

	bin, err := adapter.Edit(ctx, &r, src.data)
	if err != nil {
		return nil, err
	}
	out, err := s.normalizer.Normalize(bin.Data, r.Format, 0, 0)
	if err != nil {
		return nil, err
	}

	ev := ledger.Event{
		Type:      ledger.EventEdit,
		Provider:  string(r.Provider),
		Model:     r.Model,
		Mode:      string(r.SaveMode),
		Prompt:    r.Prompt,
		Timestamp: s.now().UTC(),
		UserID:    user,
	}

	switch r.SaveMode {
	case image.BufferOnly:
		ev.DerivedFromID = src.parentID
		entry, err := s.buffers.Put(ctx, buffer.Entry{
			Owner:    user,
			ParentID: src.parentID,
			MimeType: out.MimeType,
			Width:    out.Width,
			Height:   out.Height,
			Context: buffer.Context{
				Provider: string(r.Provider),
				Model:    r.Model,
				Prompt:   r.Prompt,
				Action:   ledger.EventEdit,
				Mode:     string(image.BufferOnly),
			},
		}, out.Data)
		if err != nil {
			return nil, types.Wrap(err, types.ErrStorage, "buffer edit result")
		}
		s.record(ctx, src.parentID, ev)
		return &EditResult{
			Mode:     image.BufferOnly,
			MimeType: entry.MimeType,
			Width:    entry.Width,
			Height:   entry.Height,
			Buffer:   bufferInfo(entry),
		}, nil
	case image.ReplaceOriginal:
		return s.replace(ctx, src.parentID, out, ev)
	default:
		return s.saveAs(ctx, user, src.parentID, out, ev)
	}
}

// loadSource 从缓冲区或附件读取输入图。
func (s *Service) loadSource(ctx context.Context, user string, r *image.EditRequest) (*editSource, error) {
	if r.BaseBufferKey != "" {
		entry, data, err := s.buffers.Read(ctx, user, r.BaseBufferKey)
		if err != nil {
			return nil, err
		}
		if r.AttachmentID != 0 && r.AttachmentID != entry.ParentID {
			return nil, types.Errorf(types.ErrInvalidInput,
				"buffer belongs to attachment %d, not %d", entry.ParentID, r.AttachmentID)
		}
		return &editSource{parentID: entry.ParentID, data: data}, nil
	}
	if r.AttachmentID == 0 {
		return nil, types.NewError(types.ErrInvalidInput, "attachment_id or base_buffer_key is required")
	}
	att, data, err := s.attachments.LoadBytes(ctx, r.AttachmentID)
	if err != nil {
		return nil, err
	}
	if !att.IsImage() {
		return nil, types.Errorf(types.ErrInvalidInput, "attachment %d is not an image", r.AttachmentID)
	}
	return &editSource{parentID: att.ID, data: data}, nil
}

func (s *Service) saveAs(ctx context.Context, user string, parentID uint, out *image.Binary, ev ledger.Event) (*EditResult, error) {
	ev.Mode = string(image.SaveAsNew)
	ev.DerivedFromID = parentID
	format := formatOf(out.MimeType)
	name := DeriveName(ev.Prompt, format)
	att, err := s.attachments.Save(ctx, attachment.File{
		Owner:    user,
		Filename: name.Filename,
		Title:    name.Title,
		MimeType: out.MimeType,
		Width:    out.Width,
		Height:   out.Height,
		Data:     out.Data,
		Metadata: attachment.AIMetadata{Edited: true, LastEvent: s.lastEvent(ev), DerivedFromID: parentID},
	})
	if err != nil {
		return nil, types.Wrap(err, types.ErrStorage, "save edited image")
	}
	s.record(ctx, att.ID, ev)
	s.logger.Info("edit saved as new attachment",
		zap.Uint("attachment_id", att.ID),
		zap.Uint("derived_from", parentID))
	return attachmentResult(image.SaveAsNew, att, s.attachments.URL(att)), nil
}

// lastEvent 返回写入附件元数据的事件摘要，与历史行同样经过清洗。
func (s *Service) lastEvent(ev ledger.Event) *ledger.Event {
	clean := s.history.Sanitize(ev)
	return &clean
}

func (s *Service) replace(ctx context.Context, id uint, out *image.Binary, ev ledger.Event) (*EditResult, error) {
	ev.Mode = string(image.ReplaceOriginal)
	current, err := s.attachments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	md, err := s.attachments.Metadata(ctx, id)
	if err != nil {
		return nil, err
	}
	md.Edited = true
	md.LastEvent = s.lastEvent(ev)
	att, err := s.attachments.Overwrite(ctx, id, attachment.File{
		Filename: renameExt(current.Filename, formatOf(out.MimeType)),
		MimeType: out.MimeType,
		Width:    out.Width,
		Height:   out.Height,
		Data:     out.Data,
		Metadata: *md,
	})
	if err != nil {
		return nil, types.Wrap(err, types.ErrStorage, "replace original image")
	}
	s.record(ctx, id, ev)
	s.logger.Info("original replaced", zap.Uint("attachment_id", id))
	return attachmentResult(image.ReplaceOriginal, att, s.attachments.URL(att)), nil
}

// =============================================================================
// 🧰 内部工具
// =============================================================================

// prepare 取适配器、执行校验并确认服务商已连接。任何一步失败都不会发起网络调用。
func (s *Service) prepare(ctx context.Context, provider image.Provider, validate func() error) (image.Adapter, error) {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	if err := validate(); err != nil {
		return nil, err
	}
	if err := s.ensureConnected(ctx, provider); err != nil {
		return nil, err
	}
	return adapter, nil
}

func (s *Service) ensureConnected(ctx context.Context, provider image.Provider) error {
	if s.credentials == nil {
		return nil
	}
	secret, ok, err := s.credentials.Credential(ctx, provider)
	if err != nil {
		return types.Wrap(err, types.ErrStorage, "read credential")
	}
	if !ok || strings.TrimSpace(secret) == "" {
		return types.Errorf(types.ErrNotConnected, "%s is not connected", provider).WithProvider(string(provider))
	}
	return nil
}

func (s *Service) modelOrDefault(purpose image.Purpose, provider image.Provider, model string) string {
	if model = strings.TrimSpace(model); model != "" {
		return model
	}
	if models := s.catalog.Models(purpose, provider); len(models) > 0 {
		return models[0]
	}
	return ""
}

// record 追加历史。附件已持久化，历史失败只记录日志。
func (s *Service) record(ctx context.Context, attachmentID uint, ev ledger.Event) {
	if err := s.history.Append(ctx, attachmentID, ev); err != nil {
		s.logger.Warn("history append failed",
			zap.Uint("attachment_id", attachmentID),
			zap.String("type", ev.Type),
			zap.Error(err))
	}
}

func formatOf(mime string) image.Format {
	for _, f := range []image.Format{image.FormatPNG, image.FormatWebP, image.FormatJPEG} {
		if f.MimeType() == mime {
			return f
		}
	}
	return image.FormatPNG
}

func userOf(ctx context.Context) string {
	user, _ := types.UserID(ctx)
	return user
}

// canView 所有者或 admin 可以查看附件的历史与元数据。
func (s *Service) canView(ctx context.Context, id uint) error {
	att, err := s.attachments.Get(ctx, id)
	if err != nil {
		return err
	}
	user := userOf(ctx)
	if user != "" && (att.Owner == user || slices.Contains(types.Roles(ctx), permission.RoleAdmin)) {
		return nil
	}
	return types.Errorf(types.ErrForbidden, "attachment %d belongs to another user", id)
}

// History 按时间正序返回附件的出处历史。
func (s *Service) History(ctx context.Context, id uint) ([]ledger.Event, error) {
	if err := s.canView(ctx, id); err != nil {
		return nil, err
	}
	return s.history.List(ctx, id)
}

// Metadata 返回附件的 AI 元数据。
func (s *Service) Metadata(ctx context.Context, id uint) (*attachment.AIMetadata, error) {
	if err := s.canView(ctx, id); err != nil {
		return nil, err
	}
	return s.attachments.Metadata(ctx, id)
}
