package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"chaingraph/internal/config"
	syncerrors "chaingraph/internal/errors"
	"chaingraph/internal/coordinator"
	"chaingraph/internal/metrics"
	"chaingraph/internal/recovery"
	"chaingraph/internal/store"
	"chaingraph/pkg/models"
)

// StatusSource 同步状态
type StatusSource interface {
	Stats() coordinator.Stats
	ReorgState() string
}

// ProgressSource 游标进度
type ProgressSource interface {
	GetStats() map[string]interface{}
}

// NodeSource 节点池状态
type NodeSource interface {
	Stats() map[string]interface{}
}

// Deps 只读查询依赖，可选项为 nil 时对应字段不输出
type Deps struct {
	Store    store.Store
	Status   StatusSource
	Progress ProgressSource
	Nodes    NodeSource
	Recovery *recovery.Adapter
	Errors   *syncerrors.ErrorHandler
}

// Server 只读状态与查询接口
type Server struct {
	deps       Deps
	apiConfig  *config.APIConfig
	metrics    *config.MetricsConfig
	logger     *logrus.Logger
	logManager *LogManager
	server     *http.Server
	started    time.Time
}

// NewServer 创建服务器并挂上日志钩子
func NewServer(deps Deps, apiConfig *config.APIConfig, metricsConfig *config.MetricsConfig, logger *logrus.Logger) *Server {
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	return &Server{
		deps:       deps,
		apiConfig:  apiConfig,
		metrics:    metricsConfig,
		logger:     logger,
		logManager: logManager,
		started:    time.Now(),
	}
}

// Router 构建路由，测试直接使用
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	s.setupRoutes(router)
	return router
}

// Start 阻塞直到服务器关闭
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.apiConfig.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("状态接口启动在端口 %d", s.apiConfig.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	if s.metrics != nil && s.metrics.Enabled {
		path := s.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(metrics.Handler("chaingraph")))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/status", s.getStatus)
		api.GET("/stats", s.getStats)
		api.GET("/nodes", s.getNodes)
		api.GET("/errors", s.getErrors)

		// 图查询
		api.GET("/blocks/:number", s.getBlock)
		api.GET("/accounts/:address", s.getAccount)
		api.GET("/skeletons/:hash", s.getSkeleton)

		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "chaingraph",
	})
}

// getStatus 协调器、对账状态机、游标和ABI恢复的汇总
func (s *Server) getStatus(c *gin.Context) {
	resp := gin.H{"uptime": time.Since(s.started).Round(time.Second).String()}
	if s.deps.Status != nil {
		resp["sync"] = s.deps.Status.Stats()
		resp["reorg_state"] = s.deps.Status.ReorgState()
	}
	if s.deps.Progress != nil {
		resp["progress"] = s.deps.Progress.GetStats()
	}
	if s.deps.Recovery != nil {
		resp["recovery"] = s.deps.Recovery.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getStats(c *gin.Context) {
	if s.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "存储未初始化"})
		return
	}
	stats, err := s.deps.Store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取存储统计失败", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getNodes(c *gin.Context) {
	if s.deps.Nodes == nil {
		c.JSON(http.StatusOK, gin.H{"nodes": gin.H{}, "total": 0})
		return
	}
	nodes := s.deps.Nodes.Stats()
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "total": len(nodes)})
}

// getErrors 按类型、级别和组件汇总的同步错误
func (s *Server) getErrors(c *gin.Context) {
	if s.deps.Errors == nil {
		c.JSON(http.StatusOK, syncerrors.NewErrorStats())
		return
	}
	c.JSON(http.StatusOK, s.deps.Errors.GetStats())
}

// getBlock 当前规范区块及其出边
func (s *Server) getBlock(c *gin.Context) {
	number, err := strconv.ParseUint(c.Param("number"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "区块高度无效"})
		return
	}
	s.writeNode(c, models.BlockKey(number), true)
}

func (s *Server) getAccount(c *gin.Context) {
	s.writeNode(c, models.AccountKey(c.Param("address")), false)
}

func (s *Server) getSkeleton(c *gin.Context) {
	s.writeNode(c, models.SkeletonKey(c.Param("hash")), false)
}

func (s *Server) writeNode(c *gin.Context, key models.NaturalKey, withEdges bool) {
	if s.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "存储未初始化"})
		return
	}
	ctx := c.Request.Context()
	node, err := s.deps.Store.Node(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "未找到", "key": key.String()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取节点失败", "message": err.Error()})
		return
	}
	resp := gin.H{"node": node}
	if withEdges {
		edges, err := s.deps.Store.Edges(ctx, node.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "读取边失败", "message": err.Error()})
			return
		}
		resp["edges"] = edges
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}
