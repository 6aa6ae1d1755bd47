package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"chat-go/internal/config"
	"chat-go/internal/models"
	"chat-go/internal/services"
	"chat-go/internal/storage"
)

// 运维小工具：直接操作存储层做检查和维护。
func main() {
	if len(os.Args) < 2 {
		fmt.Println("使用方法:")
		fmt.Println("  ./admin show-conversation <conversationID> - 显示会话信息")
		fmt.Println("  ./admin list-members <conversationID> - 列出会话的所有成员")
		fmt.Println("  ./admin sweep-typing - 清理过期的正在输入指示")
		fmt.Println("  ./admin recompute-previews - 重算所有会话的最后消息预览")
		fmt.Println("  ./admin check-unread <conversationID> - 核对会话成员的未读计数")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("无法初始化数据库: %v", err)
	}

	convoRepo := storage.NewGormConversationRepository(db)
	msgRepo := storage.NewGormMessageRepository(db)
	ctx := context.Background()

	switch os.Args[1] {
	case "show-conversation":
		showConversation(ctx, convoRepo, parseIDArg())

	case "list-members":
		listMembers(ctx, convoRepo, parseIDArg())

	case "sweep-typing":
		n, err := convoRepo.DeleteExpiredTypingIndicators(ctx, time.Now())
		if err != nil {
			log.Fatalf("清理正在输入指示失败: %v", err)
		}
		fmt.Printf("已清理 %d 条过期的正在输入指示\n", n)

	case "recompute-previews":
		recomputePreviews(ctx, convoRepo, msgRepo, cfg.Chat.PreviewLength)

	case "check-unread":
		checkUnread(ctx, convoRepo, msgRepo, parseIDArg())

	default:
		log.Fatalf("未知命令: %s", os.Args[1])
	}
}

func parseIDArg() uint {
	if len(os.Args) < 3 {
		log.Fatalf("需要指定会话ID")
	}
	id, err := strconv.ParseUint(os.Args[2], 10, 32)
	if err != nil {
		log.Fatalf("无效的会话ID: %v", err)
	}
	return uint(id)
}

func showConversation(ctx context.Context, repo storage.ConversationRepository, conversationID uint) {
	conversation, err := repo.GetConversationByID(ctx, conversationID)
	if err != nil {
		log.Fatalf("获取会话失败: %v", err)
	}

	fmt.Printf("会话 %d 信息:\n", conversationID)
	fmt.Println("--------------------------------------")
	fmt.Printf("类型: %s\n", conversation.Type)
	if conversation.Name != nil {
		fmt.Printf("名称: %s\n", *conversation.Name)
	}
	if conversation.OwnerID != nil {
		fmt.Printf("群主: %d\n", *conversation.OwnerID)
	}
	fmt.Printf("已归档: %v\n", conversation.IsArchived)
	fmt.Printf("最后消息预览: %s\n", conversation.LastMessageText)
	fmt.Printf("创建时间: %s\n", conversation.CreatedAt.Format("2006-01-02 15:04:05"))

	count, err := repo.CountActiveMembers(ctx, conversationID)
	if err != nil {
		fmt.Printf("统计成员失败: %v\n", err)
	} else {
		fmt.Printf("活跃成员数量: %d\n", count)
	}
}

func listMembers(ctx context.Context, repo storage.ConversationRepository, conversationID uint) {
	members, err := repo.GetConversationMembers(ctx, conversationID, false)
	if err != nil {
		log.Fatalf("获取成员失败: %v", err)
	}

	fmt.Printf("会话 %d 的成员 (%d 人):\n", conversationID, len(members))
	fmt.Println("--------------------------------------")
	for i, m := range members {
		fmt.Printf("#%d 用户ID: %d, 角色: %s, 活跃: %v, 加入时间: %s, 未读: %d\n",
			i+1, m.UserID, m.Role, m.IsActive, m.JoinedAt.Format("2006-01-02 15:04:05"), m.UnreadCount)
	}
}

// checkUnread 把成员行上冗余维护的未读计数和按回执实时计算的值做对比。
func checkUnread(ctx context.Context, convoRepo storage.ConversationRepository, msgRepo storage.MessageRepository, conversationID uint) {
	members, err := convoRepo.GetConversationMembers(ctx, conversationID, true)
	if err != nil {
		log.Fatalf("获取成员失败: %v", err)
	}

	fmt.Printf("会话 %d 未读计数核对:\n", conversationID)
	fmt.Println("--------------------------------------")
	drifted := 0
	for _, m := range members {
		actual, err := msgRepo.GetUnreadCount(ctx, conversationID, m.UserID)
		if err != nil {
			fmt.Printf("用户 %d: 计算未读数失败: %v\n", m.UserID, err)
			continue
		}
		mark := "OK"
		if actual != int64(m.UnreadCount) {
			mark = "漂移"
			drifted++
		}
		fmt.Printf("用户 %d: 冗余计数 %d, 实际 %d [%s]\n", m.UserID, m.UnreadCount, actual, mark)
	}
	fmt.Printf("共 %d 名成员，%d 个计数漂移\n", len(members), drifted)
}

// recomputePreviews 用服务层同一套推导逻辑重算预览，避免和在线路径的格式漂移。
func recomputePreviews(ctx context.Context, convoRepo storage.ConversationRepository, msgRepo storage.MessageRepository, previewLength int) {
	var ids []uint
	if err := convoRepo.GetDB().WithContext(ctx).Model(&models.Conversation{}).Pluck("id", &ids).Error; err != nil {
		log.Fatalf("获取会话列表失败: %v", err)
	}

	fmt.Printf("找到 %d 个会话，开始重算预览...\n", len(ids))
	fixed := 0
	for _, id := range ids {
		last, err := msgRepo.GetLastNonDeletedMessage(ctx, id)
		if err != nil {
			fmt.Printf("会话 %d: 查询最新消息失败: %v\n", id, err)
			continue
		}
		if last == nil {
			continue
		}
		preview := services.MessagePreview(last, previewLength)
		at := last.CreatedAt
		if err := convoRepo.SetLastMessage(ctx, id, preview, &at); err != nil {
			fmt.Printf("会话 %d: 更新预览失败: %v\n", id, err)
			continue
		}
		fixed++
	}
	fmt.Printf("重算完成，更新了 %d 个会话\n", fixed)
}
