package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chat-go/internal/config"
)

// ClientFrame 是客户端通过 WebSocket 上行的帧。
// 目前只支持正在输入指示；消息收发走 HTTP API。
type ClientFrame struct {
	Type           string `json:"type"`
	ConversationID uint   `json:"conversationId,omitempty"`
}

// 上行帧类型。
const (
	FrameTyping = "typing"
	FramePing   = "ping"
)

// FrameHandler 处理客户端上行帧。
type FrameHandler func(ctx context.Context, userID uint, frame ClientFrame) error

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound payloads.
	send chan []byte

	// Authenticated User ID for this client.
	UserID uint `json:"userId"`

	// Callback for incoming frames.
	handleFrame FrameHandler `json:"-"`
}

// readPump pumps frames from the websocket connection to the handleFrame callback.
func (c *Client) readPump(wsCfg config.WebSocketConfig) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(int64(wsCfg.MaxMessageSizeBytes))
	c.conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.PongWaitSeconds) * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.PongWaitSeconds) * time.Second))
		return nil
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket 错误 (客户端: %d): %v", c.UserID, err)
			} else {
				log.Printf("WebSocket 读取消息错误 (客户端: %d): %v", c.UserID, err)
			}
			break
		}

		if messageType != websocket.TextMessage {
			log.Printf("警告: 客户端 %d 发送了非文本消息类型: %d", c.UserID, messageType)
			continue
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("错误: 无法反序列化来自客户端 %d 的JSON: %v, 原始消息: %s", c.UserID, err, string(raw))
			continue
		}

		if frame.Type == FramePing {
			continue
		}

		if c.handleFrame != nil {
			if err := c.handleFrame(context.Background(), c.UserID, frame); err != nil {
				log.Printf("错误: 处理客户端 %d 的 %s 帧失败: %v", c.UserID, frame.Type, err)
			}
		} else {
			log.Printf("警告: Client %d 的 handleFrame 未初始化，帧未处理。", c.UserID)
		}
	}
}

// writePump pumps payloads from the hub to the websocket connection.
func (c *Client) writePump(wsCfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(wsCfg.PingPeriodSeconds) * time.Second)
	newlineBytes := []byte("\n")
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(time.Duration(wsCfg.WriteWaitSeconds) * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 聚合发送队列中已排队的其他负载
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(newlineBytes)
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(time.Duration(wsCfg.WriteWaitSeconds) * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWsPerConnection 处理来自对等方的 websocket 请求。
func ServeWsPerConnection(hub *Hub, frameHandler FrameHandler, userID uint, w http.ResponseWriter, r *http.Request, wsCfg config.WebSocketConfig) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  int(wsCfg.MaxMessageSizeBytes),
		WriteBufferSize: int(wsCfg.MaxMessageSizeBytes),
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("ServeWsPerConnection - Upgrade失败:", err)
		return
	}
	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		UserID:      userID,
		handleFrame: frameHandler,
	}
	client.hub.register <- client

	go client.writePump(wsCfg)
	go client.readPump(wsCfg)

	log.Printf("客户端已连接: UserID %d", userID)
}
