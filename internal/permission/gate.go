package permission

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/types"
)

// 角色
const (
	RoleAdmin    = "admin"
	RoleGenerate = "image:generate"
	RoleEdit     = "image:edit"
	RoleReplace  = "image:replace"
)

// Gate 决定用户能否执行生成、编辑与覆盖原图。拒绝时返回 forbidden。
type Gate interface {
	CanGenerate(ctx context.Context, user string) error
	CanEdit(ctx context.Context, user string) error
	CanReplaceOriginal(ctx context.Context, user string, attachmentID uint) error
}

// OwnerLookup 返回附件所有者。
type OwnerLookup interface {
	Owner(ctx context.Context, id uint) (string, error)
}

// RoleGate 基于上下文中的角色做判断。角色由认证中间件写入。
type RoleGate struct {
	owners OwnerLookup
	logger *zap.Logger
}

// NewRoleGate 创建角色门禁。
func NewRoleGate(owners OwnerLookup, logger *zap.Logger) *RoleGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoleGate{owners: owners, logger: logger.With(zap.String("component", "permission"))}
}

func (g *RoleGate) has(ctx context.Context, role string) bool {
	roles := types.Roles(ctx)
	return slices.Contains(roles, RoleAdmin) || slices.Contains(roles, role)
}

func (g *RoleGate) deny(user, action string) error {
	g.logger.Info("permission denied", zap.String("user", user), zap.String("action", action))
	return types.Errorf(types.ErrForbidden, "user %q may not %s", user, action)
}

// CanGenerate 需要 image:generate。
func (g *RoleGate) CanGenerate(ctx context.Context, user string) error {
	if user == "" || !g.has(ctx, RoleGenerate) {
		return g.deny(user, "generate images")
	}
	return nil
}

// CanEdit 需要 image:edit。
func (g *RoleGate) CanEdit(ctx context.Context, user string) error {
	if user == "" || !g.has(ctx, RoleEdit) {
		return g.deny(user, "edit images")
	}
	return nil
}

// CanReplaceOriginal 需要 image:replace 且为附件所有者；admin 不受所有者限制。
func (g *RoleGate) CanReplaceOriginal(ctx context.Context, user string, attachmentID uint) error {
	if user == "" || !g.has(ctx, RoleReplace) {
		return g.deny(user, "replace originals")
	}
	if slices.Contains(types.Roles(ctx), RoleAdmin) {
		return nil
	}
	owner, err := g.owners.Owner(ctx, attachmentID)
	if err != nil {
		return err
	}
	if owner != user {
		return g.deny(user, "replace attachments owned by others")
	}
	return nil
}

// AllowAll 放行所有操作，用于测试与单用户部署。
type AllowAll struct{}

func (AllowAll) CanGenerate(context.Context, string) error             { return nil }
func (AllowAll) CanEdit(context.Context, string) error                 { return nil }
func (AllowAll) CanReplaceOriginal(context.Context, string, uint) error { return nil }
