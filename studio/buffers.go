package studio

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/internal/attachment"
	"github.com/BaSui01/imageflow/internal/buffer"
	"github.com/BaSui01/imageflow/internal/ledger"
	"github.com/BaSui01/imageflow/internal/telemetry"
	"github.com/BaSui01/imageflow/llm/image"
	"github.com/BaSui01/imageflow/types"
)

// BufferView 是缓冲结果及其字节。
type BufferView struct {
	BufferInfo
	Data []byte `json:"-"`
}

// ReadBuffer 返回缓冲结果并刷新其有效期。
func (s *Service) ReadBuffer(ctx context.Context, token string) (*BufferView, error) {
	entry, data, err := s.buffers.Read(ctx, userOf(ctx), token)
	if err != nil {
		return nil, err
	}
	return &BufferView{BufferInfo: *bufferInfo(entry), Data: data}, nil
}

// CommitBuffer 把缓冲结果保存为新附件或覆盖父附件。
// 取出是原子的；持久化失败时以原令牌写回缓冲区。
func (s *Service) CommitBuffer(ctx context.Context, token string, mode image.SaveMode) (res *EditResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "studio.commit_buffer", attribute.String("imageflow.save_mode", string(mode)))
	defer func() { telemetry.EndSpan(span, err) }()

	if mode, err = image.ParseSaveMode(string(mode)); err != nil {
		return nil, err
	}
	if mode == image.BufferOnly {
		return nil, types.NewError(types.ErrInvalidInput, "commit mode must be save_as or replace")
	}
	user := userOf(ctx)
	if err := s.gate.CanEdit(ctx, user); err != nil {
		return nil, err
	}

	entry, data, err := s.buffers.Take(ctx, user, token)
	if err != nil {
		return nil, err
	}
	out := &image.Binary{Data: data, MimeType: entry.MimeType, Width: entry.Width, Height: entry.Height}
	ev := ledger.Event{
		Type:      ledger.EventEdit,
		Provider:  entry.Context.Provider,
		Model:     entry.Context.Model,
		Prompt:    entry.Context.Prompt,
		Timestamp: s.now().UTC(),
		UserID:    user,
	}

	if mode == image.ReplaceOriginal {
		if err := s.gate.CanReplaceOriginal(ctx, user, entry.ParentID); err != nil {
			s.restore(ctx, entry, data)
			return nil, err
		}
		res, err = s.replace(ctx, entry.ParentID, out, ev)
	} else {
		res, err = s.saveAs(ctx, user, entry.ParentID, out, ev)
	}
	if err != nil {
		s.restore(ctx, entry, data)
		return nil, err
	}
	s.logger.Info("buffer committed",
		zap.String("token", token),
		zap.String("mode", string(mode)),
		zap.Uint("attachment_id", res.AttachmentID))
	return res, nil
}

func (s *Service) restore(ctx context.Context, entry *buffer.Entry, data []byte) {
	if err := s.buffers.Restore(context.WithoutCancel(ctx), *entry, data); err != nil {
		s.logger.Error("buffer restore failed", zap.String("token", entry.Token), zap.Error(err))
	}
}

// DiscardBuffer 丢弃缓冲结果。重复丢弃返回 not-found。
func (s *Service) DiscardBuffer(ctx context.Context, token string) error {
	if _, _, err := s.buffers.Take(ctx, userOf(ctx), token); err != nil {
		return err
	}
	s.logger.Info("buffer discarded", zap.String("token", token))
	return nil
}

var _ Attachments = (*attachment.Store)(nil)
var _ Buffers = (*buffer.Store)(nil)
var _ History = (*ledger.Ledger)(nil)
