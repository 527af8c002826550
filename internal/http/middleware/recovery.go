// README: Recovery middleware; a panicking handler answers 500 and is logged.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func Recovery(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{"panic": r, "path": c.Request.URL.Path}).Error("handler panicked")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "internal", "error": "internal error"})
			}
		}()
		c.Next()
	}
}
