package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-go/internal/events"
	"chat-go/internal/models"
	"chat-go/internal/storage"
)

// convoFixture 把会话服务和它的内存依赖装配在一起。
type convoFixture struct {
	convoRepo *fakeConversationRepo
	msgRepo   *fakeMessageRepo
	userRepo  *fakeUserRepo
	emitter   *captureEmitter
	svc       ConversationService
}

func newConvoFixture() *convoFixture {
	f := &convoFixture{
		convoRepo: newFakeConversationRepo(),
		msgRepo:   newFakeMessageRepo(),
		userRepo:  newFakeUserRepo(),
		emitter:   &captureEmitter{},
	}
	f.msgRepo.convo = f.convoRepo
	f.svc = NewConversationService(f.convoRepo, f.msgRepo, f.userRepo, f.emitter, testChatConfig())
	return f
}

// createGroup 建一个由第一个用户当群主的群聊。
func (f *convoFixture) createGroup(t *testing.T, name string, creatorID uint, memberIDs ...uint) *models.Conversation {
	t.Helper()
	conv, err := f.svc.CreateGroupConversation(context.Background(), creatorID, CreateGroupInput{
		Name:      name,
		MemberIDs: memberIDs,
	})
	require.NoError(t, err)
	return conv
}

func TestGetOrCreateDirectConversation_CreatesOnce(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")

	conv, created, err := f.svc.GetOrCreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.DirectConversation, conv.Type)

	again, created, err := f.svc.GetOrCreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, conv.ID, again.ID)

	// 反向调用也命中同一个会话
	reverse, created, err := f.svc.GetOrCreateDirectConversation(ctx, bob, alice)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, conv.ID, reverse.ID)
}

func TestGetOrCreateDirectConversation_RejectsSelf(t *testing.T) {
	f := newConvoFixture()
	alice := f.userRepo.addUser("alice")

	_, _, err := f.svc.GetOrCreateDirectConversation(context.Background(), alice, alice)
	require.True(t, IsKind(err, KindValidation))
}

func TestGetOrCreateDirectConversation_RejectsInactiveTarget(t *testing.T) {
	f := newConvoFixture()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	f.userRepo.users[bob].Status = models.UserStatusInactive

	_, _, err := f.svc.GetOrCreateDirectConversation(context.Background(), alice, bob)
	require.True(t, IsKind(err, KindValidation))
}

func TestGetOrCreateDirectConversation_ReactivatesAfterLeave(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")

	conv, _, err := f.svc.GetOrCreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)
	require.NoError(t, f.svc.LeaveConversation(ctx, conv.ID, bob))

	active, err := f.convoRepo.IsActiveMember(ctx, conv.ID, bob)
	require.NoError(t, err)
	require.False(t, active)

	again, created, err := f.svc.GetOrCreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, conv.ID, again.ID)

	active, err = f.convoRepo.IsActiveMember(ctx, conv.ID, bob)
	require.NoError(t, err)
	require.True(t, active)
}

func TestCreateGroupConversation_CreatorBecomesOwnerAdmin(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")

	conv := f.createGroup(t, "周末去哪儿", alice, bob, carol)

	require.Equal(t, models.GroupConversation, conv.Type)
	require.NotNil(t, conv.OwnerID)
	require.Equal(t, alice, *conv.OwnerID)

	role, err := f.convoRepo.GetMemberRole(ctx, conv.ID, alice)
	require.NoError(t, err)
	require.NotNil(t, role)
	require.Equal(t, models.RoleAdmin, *role)

	count, err := f.convoRepo.CountActiveMembers(ctx, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	// 建群系统消息作为首条消息写入，并刷新了会话预览
	last, err := f.msgRepo.GetLastNonDeletedMessage(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, models.SystemMessageType, last.Type)
	require.Contains(t, last.Content, "创建了群聊")

	require.Len(t, f.emitter.byType(events.ConversationCreated), 1)
}

func TestCreateGroupConversation_ValidatesNameAndSize(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")

	_, err := f.svc.CreateGroupConversation(ctx, alice, CreateGroupInput{Name: "  ", MemberIDs: []uint{bob}})
	require.True(t, IsKind(err, KindValidation))

	// 创建者 + 1 名成员不满足最小人数
	_, err = f.svc.CreateGroupConversation(ctx, alice, CreateGroupInput{Name: "太小的群", MemberIDs: []uint{bob}})
	require.True(t, IsKind(err, KindValidation))
}

func TestCreateGroupConversation_DeduplicatesAndExcludesCreator(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")

	conv := f.createGroup(t, "去重测试", alice, bob, bob, alice, carol)

	count, err := f.convoRepo.CountActiveMembers(ctx, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

func TestUpdateConversation_DirectRejected(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	conv, _, err := f.svc.GetOrCreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)

	name := "新名字"
	_, err = f.svc.UpdateConversation(ctx, conv.ID, alice, UpdateConversationInput{Name: &name})
	require.True(t, IsKind(err, KindValidation))
}

func TestUpdateConversation_RequiresAdmin(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	conv := f.createGroup(t, "改名测试", alice, bob, carol)

	name := "新名字"
	_, err := f.svc.UpdateConversation(ctx, conv.ID, bob, UpdateConversationInput{Name: &name})
	require.True(t, IsKind(err, KindForbidden))

	updated, err := f.svc.UpdateConversation(ctx, conv.ID, alice, UpdateConversationInput{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "新名字", *updated.Name)
	require.Len(t, f.emitter.byType(events.ConversationUpdated), 1)
}

func TestUpdateConversation_NoFieldsIsNoop(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	conv := f.createGroup(t, "原名", alice, bob, carol)

	updated, err := f.svc.UpdateConversation(ctx, conv.ID, alice, UpdateConversationInput{})
	require.NoError(t, err)
	require.Equal(t, "原名", *updated.Name)
	require.Empty(t, f.emitter.byType(events.ConversationUpdated))
}

func TestLeaveConversation_OwnerTransfersToHighestRole(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	conv := f.createGroup(t, "交接测试", alice, bob, carol)

	// bob 是 moderator，角色最高，应该成为新群主
	require.NoError(t, f.svc.UpdateMemberRole(ctx, conv.ID, alice, bob, models.RoleModerator))
	require.NoError(t, f.svc.LeaveConversation(ctx, conv.ID, alice))

	stored, err := f.convoRepo.GetConversationByID(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.OwnerID)
	require.Equal(t, bob, *stored.OwnerID)

	// 新群主被提升为 admin
	role, err := f.convoRepo.GetMemberRole(ctx, conv.ID, bob)
	require.NoError(t, err)
	require.NotNil(t, role)
	require.Equal(t, models.RoleAdmin, *role)

	transfers := f.emitter.byType(events.OwnershipTransferred)
	require.Len(t, transfers, 1)
	require.Equal(t, bob, transfers[0].EntityID)
}

func TestLeaveConversation_LastMemberArchivesGroup(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	conv := f.createGroup(t, "空群测试", alice, bob, carol)

	require.NoError(t, f.svc.LeaveConversation(ctx, conv.ID, bob))
	require.NoError(t, f.svc.LeaveConversation(ctx, conv.ID, carol))
	require.NoError(t, f.svc.LeaveConversation(ctx, conv.ID, alice))

	stored, err := f.convoRepo.GetConversationByID(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, stored.IsArchived)
	require.Nil(t, stored.OwnerID)
}

func TestLeaveConversation_OwnerTransferFailurePropagates(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	conv := f.createGroup(t, "交接故障测试", alice, bob, carol)

	// 转移写入失败必须上抛，不能让群停留在群主已退出的状态而调用方以为成功
	f.convoRepo.setOwnerErr = errors.New("存储暂时不可用")
	err := f.svc.LeaveConversation(ctx, conv.ID, alice)
	require.Error(t, err)
	require.ErrorContains(t, err, "转移群主失败")
	require.Empty(t, f.emitter.byType(events.OwnershipTransferred))
	require.Empty(t, f.emitter.byType(events.MemberLeft))
}

func TestLeaveConversation_EveryLeaverGetsSystemMessage(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	conv := f.createGroup(t, "退群记录测试", alice, bob, carol)

	require.NoError(t, f.svc.LeaveConversation(ctx, conv.ID, bob))
	require.NoError(t, f.svc.LeaveConversation(ctx, conv.ID, carol))
	require.NoError(t, f.svc.LeaveConversation(ctx, conv.ID, alice))

	// 最后一人退出也要留下退群系统消息，归档不吞掉它
	var leaveNotes int
	for _, msg := range f.msgRepo.sortedConversationMessages(conv.ID) {
		if msg.Type == models.SystemMessageType && strings.Contains(msg.Content, "退出了群聊") {
			leaveNotes++
		}
	}
	require.Equal(t, 3, leaveNotes)

	stored, err := f.convoRepo.GetConversationByID(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, stored.IsArchived)
}

func TestLeaveConversation_NonMemberNotFound(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	mallory := f.userRepo.addUser("mallory")
	conv := f.createGroup(t, "外人测试", alice, bob, carol)

	err := f.svc.LeaveConversation(ctx, conv.ID, mallory)
	require.True(t, IsKind(err, KindNotFound))
}

func TestAddMembers_ModeratorAllowedMemberForbidden(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	dave := f.userRepo.addUser("dave")
	conv := f.createGroup(t, "拉人测试", alice, bob, carol)

	_, err := f.svc.AddMembers(ctx, conv.ID, bob, []uint{dave})
	require.True(t, IsKind(err, KindForbidden))

	require.NoError(t, f.svc.UpdateMemberRole(ctx, conv.ID, alice, bob, models.RoleModerator))
	added, err := f.svc.AddMembers(ctx, conv.ID, bob, []uint{dave})
	require.NoError(t, err)
	require.Equal(t, []uint{dave}, added)
	require.Len(t, f.emitter.byType(events.MemberAdded), 1)
}

func TestAddMembers_SkipsExistingMembers(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	dave := f.userRepo.addUser("dave")
	conv := f.createGroup(t, "跳过已有成员", alice, bob, carol)

	added, err := f.svc.AddMembers(ctx, conv.ID, alice, []uint{bob, dave})
	require.NoError(t, err)
	require.Equal(t, []uint{dave}, added)

	// 全部已在群里时返回空列表而不是报错
	added, err = f.svc.AddMembers(ctx, conv.ID, alice, []uint{bob, carol})
	require.NoError(t, err)
	require.Empty(t, added)
}

func TestAddMembers_CapacityChecked(t *testing.T) {
	f := newConvoFixture()
	cfg := testChatConfig()
	cfg.MaxGroupMembers = 4
	f.svc = NewConversationService(f.convoRepo, f.msgRepo, f.userRepo, f.emitter, cfg)

	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	dave := f.userRepo.addUser("dave")
	eve := f.userRepo.addUser("eve")
	conv := f.createGroup(t, "容量测试", alice, bob, carol)

	_, err := f.svc.AddMembers(ctx, conv.ID, alice, []uint{dave, eve})
	require.True(t, IsKind(err, KindValidation))

	// 单独加一个人还在容量内
	_, err = f.svc.AddMembers(ctx, conv.ID, alice, []uint{dave})
	require.NoError(t, err)
}

func TestRemoveMember_OwnerProtected(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	conv := f.createGroup(t, "移人测试", alice, bob, carol)

	// 把 bob 提成 admin 再让他试图移除群主
	require.NoError(t, f.svc.UpdateMemberRole(ctx, conv.ID, alice, bob, models.RoleAdmin))
	err := f.svc.RemoveMember(ctx, conv.ID, bob, alice)
	require.True(t, IsKind(err, KindForbidden))

	err = f.svc.RemoveMember(ctx, conv.ID, alice, alice)
	require.True(t, IsKind(err, KindValidation))

	require.NoError(t, f.svc.RemoveMember(ctx, conv.ID, alice, carol))
	active, err := f.convoRepo.IsActiveMember(ctx, conv.ID, carol)
	require.NoError(t, err)
	require.False(t, active)
	require.Len(t, f.emitter.byType(events.MemberRemoved), 1)
}

func TestUpdateMemberRole_Rules(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	conv := f.createGroup(t, "角色测试", alice, bob, carol)

	err := f.svc.UpdateMemberRole(ctx, conv.ID, alice, bob, models.MemberRole("boss"))
	require.True(t, IsKind(err, KindValidation))

	err = f.svc.UpdateMemberRole(ctx, conv.ID, bob, carol, models.RoleModerator)
	require.True(t, IsKind(err, KindForbidden))

	err = f.svc.UpdateMemberRole(ctx, conv.ID, alice, alice, models.RoleMember)
	require.True(t, IsKind(err, KindValidation))

	require.NoError(t, f.svc.UpdateMemberRole(ctx, conv.ID, alice, bob, models.RoleModerator))
	role, err := f.convoRepo.GetMemberRole(ctx, conv.ID, bob)
	require.NoError(t, err)
	require.Equal(t, models.RoleModerator, *role)
	require.Len(t, f.emitter.byType(events.MemberRoleChanged), 1)

	// 目标已是该角色：静默成功，不再发事件
	require.NoError(t, f.svc.UpdateMemberRole(ctx, conv.ID, alice, bob, models.RoleModerator))
	require.Len(t, f.emitter.byType(events.MemberRoleChanged), 1)
}

func TestGetConversationByID_InvisibleToNonMember(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	mallory := f.userRepo.addUser("mallory")
	conv := f.createGroup(t, "可见性测试", alice, bob, carol)

	_, err := f.svc.GetConversationByID(ctx, conv.ID, mallory)
	require.True(t, IsKind(err, KindNotFound))

	view, err := f.svc.GetConversationByID(ctx, conv.ID, alice)
	require.NoError(t, err)
	require.Equal(t, "可见性测试", view.DisplayName)
	require.Equal(t, 3, view.MemberCount)
	require.True(t, view.IsCurrentUserAdmin)
}

func TestSetTyping_ExcludesSelfFromListing(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	conv := f.createGroup(t, "输入指示测试", alice, bob, carol)

	require.NoError(t, f.svc.SetTyping(ctx, conv.ID, alice))
	require.NoError(t, f.svc.SetTyping(ctx, conv.ID, bob))

	typing, err := f.svc.GetTypingUsers(ctx, conv.ID, alice)
	require.NoError(t, err)
	require.Equal(t, []uint{bob}, typing)

	require.Len(t, f.emitter.byType(events.TypingStarted), 2)
}

func TestSweepTypingIndicators_RemovesExpired(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")
	conv := f.createGroup(t, "清理测试", alice, bob, carol)

	// 直接写一条已过期的指示
	require.NoError(t, f.convoRepo.UpsertTypingIndicator(ctx, conv.ID, bob, time.Now().Add(-time.Minute)))
	require.NoError(t, f.svc.SetTyping(ctx, conv.ID, carol))

	n, err := f.svc.SweepTypingIndicators(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	typing, err := f.svc.GetTypingUsers(ctx, conv.ID, alice)
	require.NoError(t, err)
	require.Equal(t, []uint{carol}, typing)
}

func TestGetUserConversations_FiltersByType(t *testing.T) {
	f := newConvoFixture()
	ctx := context.Background()
	alice := f.userRepo.addUser("alice")
	bob := f.userRepo.addUser("bob")
	carol := f.userRepo.addUser("carol")

	_, _, err := f.svc.GetOrCreateDirectConversation(ctx, alice, bob)
	require.NoError(t, err)
	f.createGroup(t, "群聊一", alice, bob, carol)

	groupType := models.GroupConversation
	views, total, err := f.svc.GetUserConversations(ctx, alice, storage.ConversationQueryOptions{Type: &groupType})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, views, 1)
	require.Equal(t, "群聊一", views[0].DisplayName)

	views, total, err = f.svc.GetUserConversations(ctx, alice, storage.ConversationQueryOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, views, 2)
}
