// Package response 统一 HTTP JSON 响应格式。
package response

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	infraerrors "github.com/Wei-Shaw/gatekit/internal/pkg/errors"
)

// Response 为统一响应包装。code 为 0 表示成功，否则为 HTTP 状态码。
type Response struct {
	Code     int               `json:"code"`
	Message  string            `json:"message"`
	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Data     any               `json:"data,omitempty"`
}

// PageResult 分页响应数据。
type PageResult struct {
	Items    any   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: 0, Message: "success", Data: data})
}

func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Response{Code: 0, Message: "created", Data: data})
}

func Paginated(c *gin.Context, items any, total int64, page, pageSize int) {
	Success(c, PageResult{Items: items, Total: total, Page: page, PageSize: pageSize})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(code, Response{Code: code, Message: message})
}

// ErrorFrom 将任意 error 映射为统一错误响应。
// metadata 中携带 retry_after 时同时输出 Retry-After 响应头（429/409 场景）。
func ErrorFrom(c *gin.Context, err error) {
	ae := infraerrors.FromError(err)
	if ae == nil {
		Success(c, nil)
		return
	}
	if v := strings.TrimSpace(ae.Metadata["retry_after"]); v != "" {
		if sec, convErr := strconv.Atoi(v); convErr == nil && sec > 0 {
			c.Header("Retry-After", strconv.Itoa(sec))
		}
	}
	c.JSON(ae.Code, Response{
		Code:     ae.Code,
		Message:  ae.Message,
		Reason:   ae.Reason,
		Metadata: ae.Metadata,
	})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message)
}

func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message)
}

func Conflict(c *gin.Context, message string) {
	Error(c, http.StatusConflict, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, message)
}

// ParsePagination 解析 page/page_size 查询参数并做边界裁剪。
func ParsePagination(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
