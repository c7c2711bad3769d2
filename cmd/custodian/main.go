package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/custodian/api"
	"github.com/vultisig/custodian/chainhelper"
	"github.com/vultisig/custodian/config"
	"github.com/vultisig/custodian/internal/custody"
	"github.com/vultisig/custodian/internal/network"
	"github.com/vultisig/custodian/service"
	"github.com/vultisig/custodian/storage"
	"github.com/vultisig/custodian/storage/memory"
	"github.com/vultisig/custodian/storage/postgres"
)

func main() {
	cfg, err := config.ReadConfig("config")
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Fatalf("invalid log level %q: %v", cfg.Log.Level, err)
	}
	logger.SetLevel(level)

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		logger.Fatalf("fail to create statsd client: %v", err)
	}
	defer sdClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rpcClient, err := network.Dial(ctx, cfg.Ethereum.Rpc, cfg.Ethereum.RpcTimeout)
	if err != nil {
		logger.Fatal(err)
	}
	defer rpcClient.Close()
	if chainID, err := rpcClient.ChainID(ctx); err != nil {
		logger.Warnf("fail to read chain id from rpc: %v", err)
	} else if chainID.Int64() != cfg.Ethereum.DefaultChainID {
		logger.Warnf("rpc reports chain %s, default chain is %d", chainID, cfg.Ethereum.DefaultChainID)
	}

	keys := custody.NewKeystore(cfg.Keystore.Dir, cfg.Keystore.LightScrypt, logger)
	if cfg.Keystore.PasswordFile != "" {
		if err := keys.UnlockAll(cfg.Keystore.PasswordFile); err != nil {
			logger.Fatal(err)
		}
	}
	logger.Infof("keystore holds %d accounts", len(keys.Accounts()))

	registry, err := chainhelper.NewRegistry(cfg.Ethereum.DefaultChainID, cfg.Ethereum.Chains, cfg.Ethereum.Accounts)
	if err != nil {
		logger.Fatalf("fail to build chain registry: %v", err)
	}

	var db storage.DatabaseStorage
	switch cfg.Storage.Driver {
	case "postgres":
		db, err = postgres.NewPostgresBackend(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
	case "memory":
		logger.Warn("using in-memory storage, records are lost on restart")
		db = memory.NewBackend()
	}
	defer db.Close()

	var ledger storage.NonceLedger = db
	if cfg.Nonce.Ledger == "redis" {
		redisStorage, err := storage.NewRedisStorage(*cfg)
		if err != nil {
			logger.Fatalf("storage.NewRedisStorage failed: %v", err)
		}
		defer redisStorage.Close()
		ledger = redisStorage
	}

	redisOpts := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	queueClient := asynq.NewClient(redisOpts)
	defer queueClient.Close()

	dispatcher, err := service.NewEventDispatcher(queueClient, cfg.Notifier.Buffer, cfg.Notifier.Timeout, sdClient, logger)
	if err != nil {
		logger.Fatal(err)
	}
	dispatcher.Start()
	defer dispatcher.Stop()

	var archiver storage.Archiver
	if cfg.BlockStorage.Bucket != "" {
		blockStorage, err := storage.NewBlockStorage(*cfg)
		if err != nil {
			logger.Fatalf("fail to create block storage: %v", err)
		}
		archiver = blockStorage
	}

	allocator, err := service.NewNonceAllocator(ledger, rpcClient, sdClient, logger)
	if err != nil {
		logger.Fatal(err)
	}
	signer, err := service.NewTransactionSigner(registry, allocator, keys, sdClient, logger)
	if err != nil {
		logger.Fatal(err)
	}
	gateway, err := service.NewSubmissionGateway(rpcClient, cfg.Ethereum.RpcTimeout, sdClient, logger)
	if err != nil {
		logger.Fatal(err)
	}
	transactions, err := service.NewTransactionService(db, signer, gateway, dispatcher, archiver, sdClient, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize transaction service: %v", err)
	}

	var auth *service.AuthService
	if cfg.Server.JWTSecret != "" {
		auth, err = service.NewAuthService(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
		if err != nil {
			logger.Fatal(err)
		}
	} else {
		logger.Warn("server.jwt_secret is not set, /custodian routes are unauthenticated")
	}

	server := api.NewServer(cfg.Server.Port, cfg.Server.Mode, transactions, auth, sdClient, logger)
	go func() {
		if err := server.StartServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("fail to shutdown server: %v", err)
	}
}
