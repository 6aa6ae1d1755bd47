package apiserver

import (
	"encoding/json"
	"net/http"

	"chat-go/internal/auth"
	"chat-go/internal/middleware"
	"chat-go/internal/models"
	"chat-go/internal/services"
)

// AuthHandler 封装了认证相关的 HTTP 处理器方法。
type AuthHandler struct {
	AuthService    services.AuthService
	TokenBlacklist auth.TokenBlacklist
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(authService services.AuthService, tokenBlacklist auth.TokenBlacklist) *AuthHandler {
	return &AuthHandler{
		AuthService:    authService,
		TokenBlacklist: tokenBlacklist,
	}
}

// RegisterRequest 是用户注册请求的结构体。
type RegisterRequest struct {
	Username string `json:"username"`
	Nickname string `json:"nickname"`        // 昵称必填
	Email    string `json:"email,omitempty"` // 邮箱可选
	Password string `json:"password"`
}

// LoginRequest 是用户登录请求的结构体。
type LoginRequest struct {
	UsernameOrEmail string `json:"username"` // 可以是用户名或邮箱
	Password        string `json:"password"`
}

// LoginResponse 是成功登录后返回的结构体。
type LoginResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// Register 处理用户注册请求。
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.Username == "" || req.Password == "" || req.Nickname == "" {
		writeJSONError(w, "用户名、昵称和密码不能为空", http.StatusBadRequest)
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Nickname, req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	user.PasswordHash = "" // 清除敏感信息
	writeJSONResponse(w, http.StatusCreated, user)
}

// Login 处理用户登录请求。
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.UsernameOrEmail == "" || req.Password == "" {
		writeJSONError(w, "用户名/邮箱和密码不能为空", http.StatusBadRequest)
		return
	}

	token, user, err := h.AuthService.Login(r.Context(), req.UsernameOrEmail, req.Password)
	if err != nil {
		// 登录失败统一按 401 返回，不区分用户不存在和密码错误
		if _, ok := services.KindOf(err); ok {
			writeJSONError(w, "用户名或密码错误", http.StatusUnauthorized)
		} else {
			writeJSONError(w, "登录失败", http.StatusInternalServerError)
		}
		return
	}

	user.PasswordHash = "" // 清除敏感信息
	writeJSONResponse(w, http.StatusOK, LoginResponse{Token: token, User: user})
}

// LogoutHandler 处理用户登出请求，将当前 Token 加入黑名单。
func (h *AuthHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证或无法解析用户声明", http.StatusUnauthorized)
		return
	}

	if claims.ID == "" { // JTI
		writeJSONError(w, "Token 缺少 JTI，无法执行登出", http.StatusInternalServerError)
		return
	}
	if claims.ExpiresAt == nil {
		writeJSONError(w, "Token 缺少过期时间，无法执行登出", http.StatusInternalServerError)
		return
	}

	if err := h.TokenBlacklist.Add(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		writeJSONError(w, "登出过程中发生内部错误", http.StatusInternalServerError)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "登出成功"})
}
