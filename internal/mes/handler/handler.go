package handler

import (
	"errors"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/bitfantasy/nimo-mes/internal/mes/sse"
	"github.com/bitfantasy/nimo-mes/internal/middleware"
	"github.com/gin-gonic/gin"
)

// Handlers 处理器集合
type Handlers struct {
	Scan *ScanHandler
	SSE  *SSEHandler
}

func NewHandlers(svc *service.Services, hub *sse.Hub) *Handlers {
	return &Handlers{
		Scan: NewScanHandler(svc.Scan),
		SSE:  NewSSEHandler(hub),
	}
}

// Register 注册 /api/v1/mes 路由
func (h *Handlers) Register(api *gin.RouterGroup) {
	mes := api.Group("/mes")
	mes.POST("/scans", h.Scan.Scan)
	mes.POST("/scans/resolve", h.Scan.Resolve)
	mes.GET("/operation-instances/:id", h.Scan.GetInstance)
	mes.GET("/item-records/:id", h.Scan.GetItemRecord)
	mes.GET("/events", h.SSE.Stream)
}

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error codes; the HTTP status is code / 100.
const (
	CodeBadRequest        = 40000
	CodeValidation        = 40001
	CodeNotFound          = 40400
	CodeAlreadyCompleted  = 40900
	CodeOpenInspection    = 40901
	CodeSequenceViolation = 40902
	CodeAlreadyCommitted  = 40903
	CodeAmbiguousCode     = 40904
	CodeUnfinished        = 41200
	CodeInternal          = 50000
)

func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{Code: 0, Message: "success", Data: data})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string, data interface{}) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{Code: code, Message: message, Data: data})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, CodeBadRequest, message, nil)
}

// GetUserID 从上下文获取用户ID
func GetUserID(c *gin.Context) string {
	return c.GetString(middleware.KeyUserID)
}

// respondError 按错误类型映射响应码，data 为附带的结果（可为空）
func respondError(c *gin.Context, err error, data interface{}) {
	var (
		unfinished *entity.UnfinishedPrerequisitesError
		ambiguous  *entity.AmbiguousCodeError
	)
	switch entity.Kind(err) {
	case "missing_data", "open_session":
		Error(c, CodeBadRequest, err.Error(), data)
	case "validation":
		Error(c, CodeValidation, err.Error(), data)
	case "not_found":
		Error(c, CodeNotFound, err.Error(), data)
	case "already_completed":
		Error(c, CodeAlreadyCompleted, err.Error(), data)
	case "open_inspection":
		Error(c, CodeOpenInspection, err.Error(), data)
	case "sequence_violation":
		Error(c, CodeSequenceViolation, err.Error(), data)
	case "already_committed":
		Error(c, CodeAlreadyCommitted, err.Error(), data)
	case "ambiguous_code":
		if errors.As(err, &ambiguous) && data == nil {
			data = gin.H{"candidates": ambiguous.Candidates}
		}
		Error(c, CodeAmbiguousCode, err.Error(), data)
	case "unfinished_prerequisites":
		errors.As(err, &unfinished)
		if data == nil {
			data = gin.H{"unfinished_operations": unfinished.Operations}
		}
		Error(c, CodeUnfinished, unfinished.Summary(), data)
	default:
		Error(c, CodeInternal, err.Error(), data)
	}
}
