package websocket

import (
	"log"
)

// Hub maintains the set of active clients and routes payloads to them.
type Hub struct {
	// Registered clients, mapping UserID to Client. One connection per user;
	// a new connection replaces the old one.
	clients map[uint]*Client

	// Inbound messages for broadcasting to every connected client.
	broadcast chan []byte

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Payloads aimed at a specific user.
	direct chan directPayload
}

type directPayload struct {
	userID  uint
	payload []byte
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[uint]*Client),
		direct:     make(chan directPayload, 256),
	}
}

// DeliverToUser 将负载投递给指定用户的连接。
// 非阻塞发送，避免卡住调用方（Kafka 消费循环）。
func (h *Hub) DeliverToUser(userID uint, payload []byte) {
	select {
	case h.direct <- directPayload{userID: userID, payload: payload}:
	default:
		log.Printf("警告: Hub 投递通道已满，丢弃发给用户 %d 的负载", userID)
	}
}

// Broadcast 向所有连接的客户端发送负载。
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	default:
		log.Println("警告: Hub 广播通道已满，丢弃负载")
	}
}

// Run starts the hub and listens for messages on its channels.
func (h *Hub) Run() {
	log.Println("WebSocket Hub Run loop started.")
	for {
		select {
		case client := <-h.register:
			if existingClient, ok := h.clients[client.UserID]; ok {
				log.Printf("警告: 用户 %d 已有连接，关闭旧连接并注册新连接。", client.UserID)
				close(existingClient.send)
			}
			h.clients[client.UserID] = client
			log.Printf("客户端已注册: UserID %d", client.UserID)

		case client := <-h.unregister:
			if storedClient, ok := h.clients[client.UserID]; ok && storedClient == client {
				delete(h.clients, client.UserID)
				close(client.send)
				log.Printf("客户端已注销: UserID %d", client.UserID)
			} else {
				// 旧连接已被同一用户的新连接替换，忽略即可。
				log.Printf("尝试注销一个不匹配或已过期的客户端连接: UserID %d", client.UserID)
			}

		case payload := <-h.broadcast:
			for userID, client := range h.clients {
				select {
				case client.send <- payload:
				default:
					log.Printf("广播时客户端 %d 的发送通道已满或关闭，移除客户端。", userID)
					close(client.send)
					delete(h.clients, userID)
				}
			}

		case msg := <-h.direct:
			client, ok := h.clients[msg.userID]
			if !ok {
				// 用户未连接到此实例，交给其他实例投递。
				continue
			}
			select {
			case client.send <- msg.payload:
			default:
				// 发送缓冲已满，认为客户端已断开或过慢。
				log.Printf("警告: UserID %d 的发送通道已满或关闭，移除客户端。", msg.userID)
				close(client.send)
				delete(h.clients, msg.userID)
			}
		}
	}
}
