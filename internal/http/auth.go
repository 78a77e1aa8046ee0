package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	authorizationHeader = "Authorization"
	bearerScheme        = "Bearer"
	SubjectKey          = "subject"
)

// JWTMiddleware accepts HS256 bearer tokens signed with secret. With no secret
// configured every request is rejected.
func JWTMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		if len(key) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("authentication is not configured"))
			return
		}

		fields := strings.Fields(c.GetHeader(authorizationHeader))
		if len(fields) != 2 || !strings.EqualFold(fields[0], bearerScheme) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("missing bearer token"))
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(fields[1], claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(msg))
			return
		}

		if sub, err := claims.GetSubject(); err == nil && sub != "" {
			c.Set(SubjectKey, sub)
		}
		c.Next()
	}
}
