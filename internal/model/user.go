package model

// User 用户信息（由外部身份服务维护，本服务只读）
type User struct {
	Id          string `json:"id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	Email       string `json:"email"`
}
