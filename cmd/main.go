package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cattybeo/inventory-dashboard/internal/cache"
	"github.com/cattybeo/inventory-dashboard/internal/events"
	"github.com/cattybeo/inventory-dashboard/internal/handler"
	"github.com/cattybeo/inventory-dashboard/internal/mqtt"
	"github.com/cattybeo/inventory-dashboard/internal/notify"
	"github.com/cattybeo/inventory-dashboard/internal/repository"
	"github.com/cattybeo/inventory-dashboard/internal/service"
	"github.com/cattybeo/inventory-dashboard/pkg/config"
	"github.com/cattybeo/inventory-dashboard/pkg/middleware"
	pkgtls "github.com/cattybeo/inventory-dashboard/pkg/tls"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	tlsProvider, err := pkgtls.NewProvider(context.Background(), pkgtls.Config{
		Enabled:    cfg.SPIFFEEnabled,
		SocketPath: cfg.SPIFFESocketPath,
	}, logger)
	if err != nil {
		log.Fatal("Failed to create TLS provider:", err)
	}
	defer tlsProvider.Close()

	dynamoClient, err := repository.NewDynamoDBClient(cfg)
	if err != nil {
		log.Fatal("Failed to create DynamoDB client:", err)
	}

	productRepo := repository.NewProductRepository(dynamoClient, cfg.ProductTableName, cfg.SaleLogTableName)
	if cfg.LocalMode {
		if err := productRepo.EnsureTables(context.Background()); err != nil {
			log.Fatal("Failed to ensure tables:", err)
		}
	}

	productService := service.NewProductService(productRepo, logger)
	queryCache := cache.New()
	notifier := notify.New(logger)
	notifier.AddListener(notify.LogListener(logger))

	processor := events.NewProcessor(productRepo, queryCache, notifier, logger)

	var producer *events.KafkaProducer
	if cfg.KafkaEnabled() {
		producer = events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, tlsProvider.ClientConfig(), logger)
		defer producer.Close()
		processor.SetAuditPublisher(producer)
	}

	mqttClient := mqtt.New(mqtt.Options{
		BrokerURL:        cfg.BrokerURL(),
		ClientIDPrefix:   cfg.MQTTClientIDPrefix,
		Username:         cfg.MQTTUsername,
		Password:         cfg.MQTTPassword,
		KeepAlive:        time.Duration(cfg.MQTTKeepAliveSec) * time.Second,
		CleanSession:     cfg.MQTTCleanSession,
		ConnectTimeout:   time.Duration(cfg.MQTTConnectTimeoutMS) * time.Millisecond,
		ReconnectBackoff: time.Duration(cfg.MQTTReconnectMS) * time.Millisecond,
		TLSConfig:        tlsProvider.ClientConfig(),
	}, logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// A broker that is down at startup must not take the dashboard with it:
	// the operator sees the failure and the connect keeps being retried in
	// the background.
	go connectTransport(rootCtx, mqttClient, processor, cfg, notifier, logger)

	if cfg.StreamEnabled {
		streamsClient, err := newStreamsClient(cfg)
		if err != nil {
			log.Fatal("Failed to create streams client:", err)
		}
		subscriber := repository.NewStreamSubscriber(dynamoClient, streamsClient, cfg.ProductTableName, logger)
		subscriber.Subscribe("*", func(event repository.ChangeEvent) {
			queryCache.Invalidate(cache.KeyProducts)
			logger.Debug("product change observed",
				zap.String("event_type", event.EventType))
		})
		go subscriber.Run(rootCtx)
	}

	productHandler := handler.NewProductHandler(productService, queryCache, mqttClient, productRepo, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.RequestID())
	productHandler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	rootCancel()

	mqttClient.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exited")
}

// saleTransport is the slice of the MQTT client the startup loop drives.
type saleTransport interface {
	Connect() error
	Subscribe(topic string, handler mqtt.Handler) error
	Disconnect()
}

// connectTransport connects to the broker and subscribes the sale pipeline,
// retrying until it succeeds or shutdown begins. Reconnects after an
// established connection drops are handled inside the client.
func connectTransport(ctx context.Context, client saleTransport, processor *events.Processor, cfg *config.Config, notifier *notify.Notifier, logger *zap.Logger) {
	backoff := time.Duration(cfg.MQTTReconnectMS) * time.Millisecond

	notified := false
	for {
		err := client.Connect()
		if err == nil {
			if err := client.Subscribe(cfg.SalesTopic, processor.HandleSaleMessage); err != nil {
				logger.Error("Failed to subscribe sales topic", zap.Error(err))
				client.Disconnect()
			} else {
				notifier.Success("MQTT Connected",
					"Listening on "+cfg.SalesTopic)
				return
			}
		} else {
			// Surface the failure once; retries are routine and stay on the
			// log so an unreachable broker does not flood the notifier.
			if !notified {
				notifier.Error("MQTT Connection Failed", err.Error())
				notified = true
			}
			logger.Warn("MQTT connect failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func newStreamsClient(cfg *config.Config) (*dynamodbstreams.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	if cfg.LocalMode {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(), opts...)
	if err != nil {
		return nil, err
	}

	if cfg.DynamoDBEndpoint != "" {
		return dynamodbstreams.NewFromConfig(awsCfg, func(o *dynamodbstreams.Options) {
			endpoint := cfg.DynamoDBEndpoint
			o.BaseEndpoint = &endpoint
		}), nil
	}
	return dynamodbstreams.NewFromConfig(awsCfg), nil
}
