package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf_TaggedError(t *testing.T) {
	err := NewValidationError("字段 %s 不合法", "name")

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindValidation, kind)
	require.Equal(t, "字段 name 不合法", err.Error())
}

func TestKindOf_WrappedTaggedError(t *testing.T) {
	inner := NewForbiddenError("没有权限")
	wrapped := fmt.Errorf("处理请求失败: %w", inner)

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	require.Equal(t, KindForbidden, kind)
}

func TestKindOf_PlainError(t *testing.T) {
	kind, ok := KindOf(errors.New("普通错误"))
	require.False(t, ok)
	require.Empty(t, kind)
}

func TestKindOf_NilError(t *testing.T) {
	_, ok := KindOf(nil)
	require.False(t, ok)
}

func TestIsKind(t *testing.T) {
	err := NewConflictError("状态冲突")
	require.True(t, IsKind(err, KindConflict))
	require.False(t, IsKind(err, KindNotFound))
	require.False(t, IsKind(errors.New("普通错误"), KindConflict))
}

func TestWrapError_PreservesCause(t *testing.T) {
	cause := errors.New("底层错误")
	err := WrapError(KindNotFound, cause, "查询消息 %d 失败", 42)

	require.True(t, IsKind(err, KindNotFound))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "查询消息 42 失败")
	require.Contains(t, err.Error(), "底层错误")
}
