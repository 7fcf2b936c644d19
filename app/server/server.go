package server

import (
	"context"
	"net/http"

	"mesh-forge/app/config"
	"mesh-forge/app/database"
	"mesh-forge/app/handler"
	"mesh-forge/app/logger"
	"mesh-forge/app/middleware"
	"mesh-forge/app/service"
	"mesh-forge/app/storage"
	"mesh-forge/app/tripo"

	"github.com/gin-gonic/gin"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server

	tripoClient *tripo.Client
	qiniuStore  *storage.QiniuStorage
	taskService *service.TaskService
}

// New 创建一个新的 Server 实例并组装任务流水线
func New(cfg *config.Config, log *logger.Logger) *Server {
	router := gin.Default()

	tripoClient := tripo.NewClient(cfg.Tripo, log)
	qiniuStore := storage.NewQiniuStorage(cfg.Qiniu, log)
	relocator := service.NewRelocateService(qiniuStore, log)
	scheduler := service.NewPollScheduler(cfg.Server.PollConcurrency, log)
	taskService := service.NewTaskService(database.GetDB(), tripoClient, relocator, qiniuStore, scheduler, log)

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config:      cfg,
		Logger:      log,
		tripoClient: tripoClient,
		qiniuStore:  qiniuStore,
		taskService: taskService,
	}

	// 供应商与存储凭据支持热更新
	config.Watch(func(next *config.Config) {
		s.tripoClient.UpdateConfig(next.Tripo)
		s.qiniuStore.UpdateConfig(next.Qiniu)
		log.Info("供应商与存储配置已热更新")
	})

	// 设置路由
	s.setupRoutes()

	return s
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)

	// 启动任务编排器（轮询调度与恢复补偿）
	if err := s.taskService.Start(); err != nil {
		return err
	}

	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// 停止任务编排器
	s.taskService.Stop()

	// 关闭数据库连接
	if err := database.Close(); err != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", err)
	}
	return s.http.Shutdown(ctx)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	authHandler := handler.NewAuthHandler(s.Config)
	taskHandler := handler.NewTaskHandler(s.taskService)

	// API路由组
	api := s.gin.Group("/api")

	// 认证相关路由（不需要JWT验证）
	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/register", authHandler.Register)
		auth.POST("/refresh", authHandler.RefreshToken)
	}

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.Config))
	{
		// 用户相关
		protected.GET("/me", authHandler.Me)

		// 生成任务相关路由
		tasks := protected.Group("/tasks")
		{
			tasks.POST("/", taskHandler.CreateTask)
			tasks.GET("/", taskHandler.ListTasks)
			tasks.GET("/history", taskHandler.ListHistoryModels)
			tasks.GET("/:id", taskHandler.GetTask)
			tasks.POST("/upload-image", taskHandler.UploadImage)
		}
	}
}
