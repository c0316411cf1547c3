package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func pageSizeParam(c *gin.Context) int32 {
	raw := strings.TrimSpace(c.Query("page_size"))
	if raw == "" {
		return defaultPageSize
	}
	size, err := strconv.Atoi(raw)
	if err != nil || size <= 0 {
		return defaultPageSize
	}
	if size > maxPageSize {
		return maxPageSize
	}
	return int32(size)
}

func limitParam(c *gin.Context, def int) int {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
