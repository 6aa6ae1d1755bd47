package apiserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"chat-go/internal/services"
	"chat-go/internal/storage"
)

// ErrorResponse 是 API 错误响应的通用结构体。
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONResponse 是一个辅助函数，用于发送 JSON 响应。
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// 头部可能已发出，这里只能放弃
			return
		}
	}
}

// writeJSONError 是一个辅助函数，用于发送 JSON 格式的错误响应。
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, statusCode, ErrorResponse{Error: message})
}

// writeServiceError 把服务层错误映射为 HTTP 状态码。
// 未标记种类的错误一律按内部错误处理，不向客户端暴露细节。
func writeServiceError(w http.ResponseWriter, err error) {
	if kind, ok := services.KindOf(err); ok {
		switch kind {
		case services.KindValidation:
			writeJSONError(w, err.Error(), http.StatusBadRequest)
		case services.KindForbidden:
			writeJSONError(w, err.Error(), http.StatusForbidden)
		case services.KindNotFound:
			writeJSONError(w, err.Error(), http.StatusNotFound)
		case services.KindConflict:
			writeJSONError(w, err.Error(), http.StatusConflict)
		default:
			writeJSONError(w, "服务器内部错误", http.StatusInternalServerError)
		}
		return
	}
	writeJSONError(w, "服务器内部错误", http.StatusInternalServerError)
}

// pathUint 解析路径参数里的数字 ID。
func pathUint(r *http.Request, name string) (uint, error) {
	return storage.StrToUint(mux.Vars(r)[name])
}

// queryUint 解析查询参数里的可选数字，缺失时返回 nil。
func queryUint(r *http.Request, name string) (*uint, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := storage.StrToUint(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// queryInt 解析查询参数里的可选整数，缺失或非法时返回默认值。
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}
