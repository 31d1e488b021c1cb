package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/api"
	job "github.com/maheshrc27/postflow/internal/jobs"
	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/notify"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/ratelimit"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/retry"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/pkg/clock"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"
)

func main() {
	printToken := flag.String("print-token", "", "print a service token for the named caller and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the token printed by -print-token")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Failed to load environment variables", err)
	}

	cfg := config.LoadConfig()
	if cfg.ServiceSecret == "" {
		log.Fatal("SERVICE_TOKEN_SECRET must be set")
	}

	if *printToken != "" {
		token, err := utils.GenerateServiceToken(cfg.ServiceSecret, *printToken, *tokenTTL)
		if err != nil {
			log.Fatalf("Failed to sign token: %v", err)
		}
		fmt.Println(token)
		return
	}

	platforms, err := config.LoadPlatforms(cfg.PlatformsFile)
	if err != nil {
		log.Fatalf("Failed to load platforms: %v", err)
	}

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer closeDB(db)

	if err := db.Ping(); err != nil {
		log.Fatalf("Database is unreachable: %v", err)
	}
	if err := repository.Migrate(context.Background(), db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	cipher, err := utils.NewCipher([]byte(cfg.SecretKey))
	if err != nil {
		log.Fatalf("Invalid SECRET_KEY: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	clk := clock.Real()

	postRepo := repository.NewPostRepository(db)
	queueRepo := repository.NewQueueRepository(db)
	credentialRepo := repository.NewCredentialRepository(db)
	eventRepo := repository.NewDeliveryEventRepository(db)

	logSink := notify.NewLogSink(eventRepo, m)
	var (
		sink        notify.Sink = logSink
		counter     ratelimit.Counter
		asynqClient *asynq.Client
		asynqServer *asynq.Server
	)
	if cfg.RedisURI != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURI})
		defer rdb.Close()
		counter = ratelimit.NewRedisCounter(rdb, "postflow:")

		redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI}
		asynqClient = asynq.NewClient(redisConn)
		defer asynqClient.Close()
		sink = notify.NewAsynqSink(asynqClient)

		asynqServer = asynq.NewServer(redisConn, asynq.Config{
			Concurrency: 10,
			Queues:      map[string]int{notify.EventQueue: 1},
		})
	} else {
		log.Println("Warning: REDIS_URI not set, using in-process rate counters and log-only events")
		counter = ratelimit.NewMemoryCounter(clk)
	}

	gate := ratelimit.NewGate(counter, platform.Budgets(platforms))
	refreshers := service.NewRefreshers(platforms, cfg.OAuthClients, nil, clk)
	credentialService := service.NewCredentialService(credentialRepo, cipher, platforms, refreshers, clk, m)
	drivers := platform.NewRegistry(platforms, credentialService, gate, platform.Options{
		Timeout: cfg.Pipeline.HTTPTimeout,
		Clock:   clk,
	})

	maxAttempts := make(map[string]int, len(platforms))
	for _, p := range platforms {
		maxAttempts[p.Slug] = p.MaxAttempts
	}
	queueManager := queue.NewManager(postRepo, queueRepo, sink, queue.Options{
		Policy: retry.Policy{
			Base:        cfg.Pipeline.BackoffBase,
			Cap:         cfg.Pipeline.BackoffCap,
			MaxAttempts: cfg.Pipeline.MaxAttempts,
		},
		MaxAttempts: maxAttempts,
		Clock:       clk,
		Metrics:     m,
	})

	var archiver service.Archiver
	if cfg.R2.BucketName != "" {
		r2, err := service.NewR2Client(context.Background(), cfg.R2)
		if err != nil {
			log.Fatalf("Failed to configure R2: %v", err)
		}
		archiver = service.NewR2Archiver(r2, cfg.R2.BucketName)
	}

	schedulerService := service.NewSchedulerService(postRepo, queueManager, drivers, gate, archiver, cfg.Pipeline, clk, m)

	// cron jobs
	tickJob := job.NewTickJob(schedulerService)
	refreshTokenJob := job.NewTokenRefreshJob(credentialService, cfg.RefreshHorizon)

	c := cron.New()
	if err := c.AddFunc(cfg.Pipeline.TickSpec, tickJob.Tick); err != nil {
		log.Fatalf("Invalid TICK_SPEC: %v", err)
	}
	if err := c.AddFunc(cfg.TokenRefresh, refreshTokenJob.RefreshTokens); err != nil {
		log.Fatalf("Invalid TOKEN_REFRESH_SPEC: %v", err)
	}
	c.Start()
	defer c.Stop()

	if asynqServer != nil {
		mux := asynq.NewServeMux()
		notify.NewHandler(logSink).Register(mux)

		log.Println("Starting the Asynq server...")
		if err := asynqServer.Start(mux); err != nil {
			log.Fatalf("Could not start Asynq server: %v", err)
		}
	}

	app := api.NewApp(api.Deps{
		Scheduler:     schedulerService,
		Credentials:   credentialService,
		Drivers:       drivers,
		TickJob:       tickJob,
		ServiceSecret: cfg.ServiceSecret,
		Gatherer:      reg,
		AccessLog:     true,
	})

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Printf("Server is running on %s", cfg.ListenAddr)

	gracefulShutdown(app, asynqServer)
}

func closeDB(db *sql.DB) {
	fmt.Fprint(os.Stdout, "Closing database connection... ")
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close database: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, "Done")
}

func gracefulShutdown(app *fiber.App, asynqServer *asynq.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Println("Shutting down server...")

	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		log.Printf("Failed to shut down server: %v", err)
	}
	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	log.Println("Server shutdown complete.")
}
