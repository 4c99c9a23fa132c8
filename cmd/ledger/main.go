package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/pkg/idgen"
	"golang.org/x/sync/errgroup"

	cashapp "github.com/wyfcoding/brokerage/internal/cash/application"
	cashcompliance "github.com/wyfcoding/brokerage/internal/cash/infrastructure/compliance"
	cashmessaging "github.com/wyfcoding/brokerage/internal/cash/infrastructure/messaging"
	cashmysql "github.com/wyfcoding/brokerage/internal/cash/infrastructure/persistence/mysql"
	cashprovider "github.com/wyfcoding/brokerage/internal/cash/infrastructure/provider"
	cashhttp "github.com/wyfcoding/brokerage/internal/cash/interfaces/http"
	feesapp "github.com/wyfcoding/brokerage/internal/fees/application"
	feesmysql "github.com/wyfcoding/brokerage/internal/fees/infrastructure/persistence/mysql"
	ledgerapp "github.com/wyfcoding/brokerage/internal/ledger/application"
	"github.com/wyfcoding/brokerage/internal/ledger/infrastructure/persistence"
	ledgermysql "github.com/wyfcoding/brokerage/internal/ledger/infrastructure/persistence/mysql"
	ledgerredis "github.com/wyfcoding/brokerage/internal/ledger/infrastructure/persistence/redis"
	limitsapp "github.com/wyfcoding/brokerage/internal/limits/application"
	registryapp "github.com/wyfcoding/brokerage/internal/registry/application"
	registryhttp "github.com/wyfcoding/brokerage/internal/registry/interfaces/http"
	tradingapp "github.com/wyfcoding/brokerage/internal/trading/application"
	tradingmessaging "github.com/wyfcoding/brokerage/internal/trading/infrastructure/messaging"
	tradingmysql "github.com/wyfcoding/brokerage/internal/trading/infrastructure/persistence/mysql"
	tradingevents "github.com/wyfcoding/brokerage/internal/trading/interfaces/events"
	tradinghttp "github.com/wyfcoding/brokerage/internal/trading/interfaces/http"
	"github.com/wyfcoding/brokerage/pkg/cache"
	"github.com/wyfcoding/brokerage/pkg/config"
	"github.com/wyfcoding/brokerage/pkg/db"
	"github.com/wyfcoding/brokerage/pkg/logger"
	"github.com/wyfcoding/brokerage/pkg/metrics"
	"github.com/wyfcoding/brokerage/pkg/middleware"
	"github.com/wyfcoding/brokerage/pkg/mq"
)

var configPath = flag.String("config", "configs/ledger/config.toml", "config file path")

type snowflakeGenerator struct{}

func (snowflakeGenerator) Generate() int64 { return int64(idgen.GenID()) }

func main() {
	flag.Parse()

	// 1. 初始化配置
	var cfg config.Config
	if err := config.Load(*configPath, &cfg); err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 2. 初始化日志
	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	log := logger.Get()
	slog.SetDefault(log)

	// 3. 初始化指标
	m := metrics.New(cfg.ServiceName)
	if err := m.Register(); err != nil {
		slog.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}
	if cfg.Metrics.Enabled {
		go m.ExposeHTTP(cfg.Metrics.Port)
	}

	// 4. 初始化基础设施
	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		slog.Error("failed to connect database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	// Auto Migrate (仅用于开发方便)
	if cfg.Environment == "dev" {
		if err := database.AutoMigrate(
			&ledgermysql.AccountModel{},
			&ledgermysql.BalanceModel{},
			&ledgermysql.LedgerEntryModel{},
			&feesmysql.FeeScheduleModel{},
			&tradingmysql.TradeModel{},
			&tradingmessaging.OutboxMessage{},
			&cashmysql.CashTransactionModel{},
			&cashmessaging.OutboxMessage{},
		); err != nil {
			slog.Error("failed to migrate database", "error", err)
		}
	}

	redisCache, err := cache.New(cache.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxPoolSize:  cfg.Redis.MaxPoolSize,
		ConnTimeout:  cfg.Redis.ConnTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		slog.Error("failed to init redis", "error", err)
		os.Exit(1)
	}
	defer redisCache.Close()

	// 5. 初始化仓储
	gormDB := database.DB
	accountMySQL := ledgermysql.NewAccountRepository(gormDB)
	accountCache := ledgerredis.NewAccountCache(redisCache.Client())
	accountRepo := persistence.NewCompositeAccountRepository(accountMySQL, accountCache, log)
	balanceRepo := ledgermysql.NewBalanceRepository(gormDB)
	entryRepo := ledgermysql.NewEntryRepository(gormDB)
	txManager := ledgermysql.NewTxManager(gormDB)
	scheduleRepo := feesmysql.NewScheduleRepository(gormDB)
	tradeRepo := tradingmysql.NewTradeRepository(gormDB)
	cashRepo := cashmysql.NewCashRepository(gormDB)

	providers, err := cashprovider.NewRegistry(cfg.Providers)
	if err != nil {
		slog.Error("failed to build provider registry", "error", err)
		os.Exit(1)
	}

	var idGenerator idgen.Generator = snowflakeGenerator{}

	// 6. 初始化应用服务
	ledgerSvc := ledgerapp.NewLedgerService(balanceRepo, entryRepo, txManager, log, m)

	feeSvc := feesapp.NewFeeService(scheduleRepo, log)
	if err := feeSvc.LoadSchedules(context.Background()); err != nil {
		slog.Error("failed to load fee schedules", "error", err)
		os.Exit(1)
	}

	tradePublisher := tradingmessaging.NewOutboxEventPublisher(gormDB)
	settlementSvc := tradingapp.NewSettlementService(tradeRepo, ledgerSvc, feeSvc, tradePublisher, idGenerator, log, m)

	limitEnforcer := limitsapp.NewEnforcer(cashRepo, balanceRepo, log)
	complianceChecker := cashcompliance.NewAccountStatusChecker(accountRepo)
	cashPublisher := cashmessaging.NewOutboxEventPublisher(gormDB)
	movementSvc := cashapp.NewMovementService(
		cashRepo, accountRepo, ledgerSvc, limitEnforcer, providers,
		complianceChecker, cashPublisher, idGenerator, log, m,
	)
	recoverySvc := cashapp.NewRecoveryService(
		cashRepo, movementSvc, providers,
		time.Duration(cfg.Recovery.Interval)*time.Second,
		time.Duration(cfg.Recovery.StuckTimeout)*time.Second,
		cfg.Recovery.BatchSize,
		log, m,
	)
	tradeRecoverySvc := tradingapp.NewRecoveryService(
		tradeRepo,
		time.Duration(cfg.Recovery.Interval)*time.Second,
		time.Duration(cfg.Recovery.StuckTimeout)*time.Second,
		cfg.Recovery.BatchSize,
		log, m,
	)

	accountSvc := registryapp.NewAccountService(accountRepo, balanceRepo, txManager, log)

	// 7. 初始化接口层
	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "dev" {
		gin.SetMode(gin.DebugMode)
	}
	r := gin.New()
	r.Use(middleware.GinLogging(), middleware.GinRecovery(), middleware.GinMetrics(m))

	root := r.Group("")
	registryhttp.NewAccountHandler(accountSvc, ledgerSvc).RegisterRoutes(root)
	tradinghttp.NewTradingHandler(settlementSvc).RegisterRoutes(root)
	cashhttp.NewCashHandler(movementSvc).RegisterRoutes(root)

	// 8. 启动服务
	g, ctx := errgroup.WithContext(context.Background())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}
	g.Go(func() error {
		slog.Info("HTTP server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 成交回报消费
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewProducer(mq.KafkaConfig{
			Brokers:    cfg.Kafka.Brokers,
			MaxRetries: 3,
		})
		if err != nil {
			slog.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		consumer, err := mq.NewConsumer(mq.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
		}, cfg.Kafka.ExecutionsTopic)
		if err != nil {
			slog.Error("failed to create kafka consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		dlq := mq.NewDeadLetterQueue(producer, cfg.Kafka.ExecutionsTopic+".dlq")
		executionConsumer := tradingevents.NewExecutionConsumer(consumer, settlementSvc, dlq, log)
		g.Go(func() error {
			err := executionConsumer.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})

		// Outbox 投递
		tradeRelay := tradingmessaging.NewOutboxRelay(gormDB, producer, cfg.Kafka.EventsTopic, time.Second, 100, log, m)
		cashRelay := cashmessaging.NewOutboxRelay(gormDB, producer, cfg.Kafka.EventsTopic, time.Second, 100, log, m)
		g.Go(func() error {
			err := tradeRelay.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			err := cashRelay.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	// 恢复巡检
	g.Go(func() error {
		err := recoverySvc.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := tradeRecoverySvc.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// 9. 优雅关闭
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
			slog.Info("shutting down servers...")
		case <-ctx.Done():
			slog.Info("context cancelled, shutting down...")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server exited with error", "error", err)
	}
}
