package handler

import (
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// ScanHandler 扫码终端接口
type ScanHandler struct {
	svc *service.ScanService
}

func NewScanHandler(svc *service.ScanService) *ScanHandler {
	return &ScanHandler{svc: svc}
}

func (h *ScanHandler) bind(c *gin.Context) (service.ScanRequest, bool) {
	var req service.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return req, false
	}
	// 请求未带工号时使用登录用户
	if req.Employee == "" {
		req.Employee = GetUserID(c)
	}
	return req, true
}

// Scan 扫码推进状态
// POST /api/v1/mes/scans
func (h *ScanHandler) Scan(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	res, err := h.svc.Transition(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	Success(c, res)
}

// Resolve 自动补完前置工序后重试质检
// POST /api/v1/mes/scans/resolve
func (h *ScanHandler) Resolve(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	res, err := h.svc.ResolveAndRetry(c.Request.Context(), req)
	if err != nil {
		if res != nil {
			respondError(c, err, res)
			return
		}
		respondError(c, err, nil)
		return
	}
	Success(c, res)
}

// GetInstance GET /api/v1/mes/operation-instances/:id
func (h *ScanHandler) GetInstance(c *gin.Context) {
	inst, err := h.svc.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, nil)
		return
	}
	Success(c, inst)
}

// GetItemRecord GET /api/v1/mes/item-records/:id
func (h *ScanHandler) GetItemRecord(c *gin.Context) {
	rec, err := h.svc.GetItemRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, nil)
		return
	}
	Success(c, rec)
}
