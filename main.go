package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"campaign_dispatcher/config"
	"campaign_dispatcher/consumers"
	"campaign_dispatcher/controllers"
	"campaign_dispatcher/repository"
	"campaign_dispatcher/routers"
	"campaign_dispatcher/services"
	"campaign_dispatcher/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 5 * time.Minute
	maxHeaderBytes  = 1 << 20 // 1MB
	shutdownTimeout = 30 * time.Second
)

func initializeServer(campaignCtrl *controllers.CampaignController, followupCtrl *controllers.FollowupController) *gin.Engine {
	numCPU := runtime.NumCPU()
	runtime.GOMAXPROCS(numCPU)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Configure CORS
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.MaxAge = 12 * time.Hour

	// Add middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	router.Use(cors.New(corsConfig))

	// Limit request body size to 10MB
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 10<<20)
		c.Next()
	})

	routers.MapRoutes(router, campaignCtrl, followupCtrl)

	// Health check endpoints
	router.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "Campaign Dispatcher is running"})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy"})
	})

	return router
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	log.Println("🚀 Starting Campaign Dispatcher...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	log.Printf("Configuration loaded - Port: %s, Workers: %d", cfg.ServerPort, cfg.DefaultNumWorkers)

	// Initialize Postgres
	log.Println("Connecting to Postgres...")
	db, err := utils.InitPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to initialize Postgres:", err)
	}
	defer db.Close()

	// Initialize MongoDB (delivery attempt archive)
	log.Println("Connecting to MongoDB...")
	if err := utils.InitMongo(cfg.MongoURI, cfg.DatabaseName); err != nil {
		log.Fatal("Failed to initialize MongoDB:", err)
	}
	defer utils.CloseMongo()

	// Initialize Redis. Non-fatal: the follow-up lock degrades to
	// single-instance mode without it.
	log.Println("Connecting to Redis...")
	if err := utils.InitRedis(cfg.RedisURL); err != nil {
		log.Printf("⚠️ Redis unavailable: %v. Follow-up lock runs in single-instance mode.", err)
	}
	defer utils.CloseRedis()

	// Initialize RabbitMQ
	log.Println("Initializing RabbitMQ...")
	queue := utils.NewQueueClient(cfg.RabbitMQURL)
	if err := queue.Dial(); err != nil {
		log.Fatal("Failed to initialize RabbitMQ:", err)
	}
	defer queue.Close()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	go queue.ManageConnection(rootCtx)

	// Repositories
	campaignRepo := &repository.CampaignRepository{DB: db}
	customerRepo := &repository.CustomerRepository{DB: db}
	jobRepo := &repository.JobRepository{DB: db}
	statusRepo := &repository.StatusRepository{DB: db}
	tokenRepo := &repository.TokenRepository{DB: db}

	// Services
	gateway := services.NewGatewayClient(cfg.GatewayURL, tokenRepo)
	archive := services.NewDeliveryArchive()

	worker := consumers.NewDispatchWorker(queue, gateway, campaignRepo, customerRepo, jobRepo, statusRepo, archive)
	manager := services.NewWorkerManager(
		worker.Spawn,
		queue.Inspect,
		time.Duration(cfg.CheckIntervalSecs)*time.Second,
		time.Duration(cfg.IdleShutdownSeconds)*time.Second,
	)

	publisher := services.NewBatchPublisher(
		queue, campaignRepo, jobRepo, statusRepo, manager,
		cfg.DefaultNumWorkers, cfg.ThroughputPerMinute,
	)

	followupService := services.NewFollowupService(
		customerRepo, gateway,
		time.Duration(cfg.FollowUp1DelayMinutes)*time.Minute,
		time.Duration(cfg.FollowUp2DelayMinutes)*time.Minute,
	)

	// Start follow-up scheduler
	log.Println("Starting follow-up scheduler...")
	scheduler := services.NewFollowupScheduler(
		followupService, customerRepo, utils.NewLockManager(),
		cfg.FollowupLockTTL,
		time.Duration(cfg.FollowupPollSeconds)*time.Second,
	)
	go scheduler.Run(rootCtx)

	// Initialize server
	campaignCtrl := controllers.NewCampaignController(publisher, manager, jobRepo, cfg.DefaultNumWorkers)
	followupCtrl := controllers.NewFollowupController(followupService)
	router := initializeServer(campaignCtrl, followupCtrl)

	srv := &http.Server{
		Addr:           ":" + cfg.ServerPort,
		Handler:        router,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		MaxHeaderBytes: maxHeaderBytes,
	}

	// Start HTTP server
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Recovered from panic in server: %v", r)
			}
		}()
		log.Printf("🌐 HTTP server listening on :%s", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Attempting graceful shutdown...")

	// Shutdown HTTP server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Stop scheduler and workers, then close queue resources
	rootCancel()
	manager.StopWorkers(false)

	log.Println("✅ Server exited successfully")
}
