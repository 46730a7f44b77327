package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"campaign-collab/backend/internal/cache"
	"campaign-collab/backend/internal/collab"
	"campaign-collab/backend/internal/httpapi/handlers"
	"campaign-collab/backend/internal/presence"
	"campaign-collab/backend/internal/store"
	"campaign-collab/backend/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Presence struct {
		SweepIntervalSeconds  int `mapstructure:"sweepIntervalSeconds"`
		AbsenceTimeoutSeconds int `mapstructure:"absenceTimeoutSeconds"`
		EditingTimeoutSeconds int `mapstructure:"editingTimeoutSeconds"`
	} `mapstructure:"Presence"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// works from the repo root or from backend/
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	gormDB, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db, err := gormDB.DB()
	if err != nil {
		log.Fatalf("Failed to get sql db: %v", err)
	}
	defer db.Close()

	kafkaCfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	kafkaSem := collab.NewSemaphoreControl(100)
	editSem := collab.NewSemaphoreControl(256)

	dispatcher := collab.NewDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.DispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	changeLog := store.NewChangeLogStore(db)
	documentStore := store.NewDocumentStore(db)
	resolver := collab.NewResolver(documentStore, changeLog, dispatcher)

	presenceCache := cache.NewRedisPresence(rdb)
	stats := cache.NewRedisInteraction(rdb, changeLog)

	hub := ws.NewHub()
	tracker := presence.NewTracker(presenceCache, hub, presence.Options{
		SweepInterval: time.Duration(cfg.Presence.SweepIntervalSeconds) * time.Second,
		AbsenceTTL:    time.Duration(cfg.Presence.AbsenceTimeoutSeconds) * time.Second,
		EditingTTL:    time.Duration(cfg.Presence.EditingTimeoutSeconds) * time.Second,
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go tracker.Run(sweepCtx)

	manager := ws.NewManager(hub, resolver, tracker, stats, editSem)
	docHandler := handlers.NewDocumentHandler(resolver, stats)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	collabGroup := r.Group("/collab")
	collabGroup.GET("/ws", manager.WebSocketConnect)

	v1 := r.Group("/v1")
	v1.POST("/documents", docHandler.CreateDocument)
	v1.GET("/documents/:id", docHandler.GetDocument)
	v1.GET("/documents/:id/changes", docHandler.GetChanges)
	v1.GET("/documents/:id/stats", docHandler.GetStats)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
