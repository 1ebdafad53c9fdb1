package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

// Claims 网关接受的访问令牌声明（由外部认证服务签发）
type Claims struct {
	UserId   string `json:"user_id"`
	DeviceId string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier 访问令牌校验
type Verifier struct {
	secretKey []byte
	issuer    string
}

// NewVerifier 创建校验器，issuer 为空时不校验签发方
func NewVerifier(secretKey, issuer string) *Verifier {
	return &Verifier{
		secretKey: []byte(secretKey),
		issuer:    issuer,
	}
}

// Issue 签发令牌（CLI 调试与测试使用）
func (v *Verifier) Issue(userId, deviceId string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserId:   userId,
		DeviceId: deviceId,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userId,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    v.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// Verify 校验令牌并返回声明
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserId == "" {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
