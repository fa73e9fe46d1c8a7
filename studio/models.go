package studio

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/llm/image"
)

// ModelList 是一个服务商在某用途下可用的模型。
type ModelList struct {
	Provider image.Provider `json:"provider"`
	Purpose  image.Purpose  `json:"purpose"`
	Models   []string       `json:"models"`
	Live     bool           `json:"live"`
}

// ListModels 返回静态目录，并在实时列表可用时按其过滤。
// 实时列表失败、未连接或过滤后为空时退回静态目录。
func (s *Service) ListModels(ctx context.Context, provider, purpose string) (*ModelList, error) {
	p, err := image.ParseProvider(provider)
	if err != nil {
		return nil, err
	}
	pu, err := image.ParsePurpose(purpose)
	if err != nil {
		return nil, err
	}
	static := s.catalog.Models(pu, p)
	res := &ModelList{Provider: p, Purpose: pu, Models: static}

	adapter, err := s.registry.Get(p)
	if err != nil {
		return res, nil
	}
	live, err := s.models.Get(ctx, p, pu, func(ctx context.Context) ([]string, error) {
		return adapter.ListModels(ctx, pu)
	})
	if err != nil {
		s.logger.Debug("live model list unavailable",
			zap.String("provider", string(p)),
			zap.Error(err))
		return res, nil
	}
	filtered := make([]string, 0, len(static))
	for _, m := range static {
		if slices.Contains(live, m) {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == 0 {
		return res, nil
	}
	res.Models, res.Live = filtered, true
	return res, nil
}

// InvalidateModels 清除一个服务商的实时模型缓存。
func (s *Service) InvalidateModels(provider string) (int, error) {
	p, err := image.ParseProvider(provider)
	if err != nil {
		return 0, err
	}
	n := s.models.Invalidate(p)
	s.logger.Info("model cache invalidated", zap.String("provider", string(p)), zap.Int("entries", n))
	return n, nil
}
