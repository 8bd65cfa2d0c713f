package utils

import (
	"encoding/json"
	"log"
	"net/http"
)

// Envelope 控制面接口统一的响应格式。业务失败也返回HTTP 200，
// 由code区分：0为成功，-1为失败。
type Envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
	Data any    `json:"data,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// RespondOK 发送成功响应。
func RespondOK(w http.ResponseWriter) {
	RespondJSON(w, http.StatusOK, Envelope{Code: 0, Msg: "ok"})
}

// RespondData 发送携带数据的成功响应。
func RespondData(w http.ResponseWriter, data any) {
	RespondJSON(w, http.StatusOK, Envelope{Code: 0, Data: data})
}

// RespondFail 发送业务失败响应。msg固定为"err"，具体原因放在data里。
func RespondFail(w http.ResponseWriter, reason string) {
	RespondJSON(w, http.StatusOK, Envelope{Code: -1, Msg: "err", Data: reason})
}
