package server

import (
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// cleanBasePath turns " api/v1/ " into "/api/v1" and "/" into "".
func cleanBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return path.Clean("/" + p)
}

func fail(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, errorResp{Error: msg})
}
