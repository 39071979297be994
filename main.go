// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/producer"
	redisotel "github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stebbidabba/balans-sub000/pkg/archive"
	"github.com/stebbidabba/balans-sub000/pkg/auth"
	"github.com/stebbidabba/balans-sub000/pkg/cart"
	"github.com/stebbidabba/balans-sub000/pkg/client"
	"github.com/stebbidabba/balans-sub000/pkg/config"
	"github.com/stebbidabba/balans-sub000/pkg/repository"
	"github.com/stebbidabba/balans-sub000/pkg/results"
	"github.com/stebbidabba/balans-sub000/pkg/service"
	"github.com/stebbidabba/balans-sub000/pkg/worker"
	"gorm.io/gorm"
)

const (
	serviceName    = "balans-storefront"
	serviceVersion = "1.0.0"

	producerGroup = "balans-status-producer"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Level = logrus.DebugLevel
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout
}

type storefrontServer struct {
	products repository.ProductRepository
	profiles repository.ProfileRepository
	carts    *cart.Sessions
	results  *results.Aggregator
	orders   *service.OrderService
	checkout *service.CheckoutService
	admin    *service.AdminService
	verifier *auth.Verifier
	labKey   *auth.LabKey

	// nil when redis is down; requests are not limited then
	limiter *Limiter
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	cfg := config.Load()

	if cfg.EnableTracing {
		tp, err := initTracing(ctx, cfg.CollectorAddr)
		if err != nil {
			log.Warnf("warn: failed to start tracer: %+v", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down tracer provider: %v", err)
				}
			}()
		}

		mp, err := initMetrics(ctx, cfg.CollectorAddr)
		if err != nil {
			log.Warnf("warn: failed to start metric provider: %+v", err)
		} else {
			defer func() {
				if err := mp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down metric provider: %v", err)
				}
			}()
		}
	}

	if !cfg.DisableProfiler {
		log.Info("Profiling enabled.")
		go initProfiling(serviceName, serviceVersion)
	} else {
		log.Info("Profiling disabled.")
	}

	db, err := repository.Open(cfg.DBDriver, cfg.DBDSN, cfg.EnableTracing)
	if err != nil {
		log.Fatalf("failed to open order store: %v", err)
	}
	log.Infof("connected to %s", cfg.DBDriver)

	rdb := initRedis(cfg)
	svc := newStorefront(ctx, &wg, cfg, db, rdb)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           svc.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("starting server on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	log.Info("Gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown: %v", err)
	}
	cancel()
	wg.Wait()
	if rdb != nil {
		_ = rdb.Close()
	}
}

// newStorefront wires the services. Redis backed parts fall back to in-process
// ones when rdb is nil.
func newStorefront(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, db *gorm.DB, rdb *redis.Client) *storefrontServer {
	products := repository.NewSharedProductRepo(repository.NewProductRepo(db))
	profiles := repository.NewProfileRepository(db)
	orderRepo := repository.NewOrderRepo(db)
	labRepo := repository.NewLabRepo(db)

	var (
		persister cart.Persister = cart.NewMemoryPersister()
		queue     service.RetryQueue
		limiter   *Limiter
	)
	if rdb != nil {
		persister = cart.NewRedisPersister(rdb, cfg.CartTTL)
		queue = worker.NewRetryQueue(rdb)
		worker.NewRetryWorker(rdb, orderRepo, log).Start(ctx, wg)
		limiter = NewLimiter(rdb, log, cfg)
	} else {
		log.Warn("redis unavailable: carts kept in memory, checkout has no retry queue")
	}

	mailer := client.NewEmailClient(cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailFrom, log)
	notifier := worker.NewNotifier(mailer, profiles, cfg.SiteURL, log)
	notifier.TrackIn(wg)
	events := initEvents(ctx, wg, cfg, notifier)

	payments := client.NewPaymentClient(cfg.PaymentAPIURL, cfg.PaymentAPIKey, log)
	if cfg.PaymentAPIKey == "" {
		log.Warn("PAYMENT_API_KEY not set, payment intents are mocked")
	}

	return &storefrontServer{
		products: products,
		profiles: profiles,
		carts:    cart.NewSessions(persister, log),
		results:  results.NewAggregator(labRepo, log),
		orders:   service.NewOrderService(orderRepo, log),
		checkout: service.NewCheckoutService(products, orderRepo, queue, payments, events, cfg.Currency, log),
		admin:    service.NewAdminService(orderRepo, labRepo, initArchive(ctx, cfg), events, log),
		verifier: auth.NewVerifier(cfg.AuthJWTSecret),
		labKey:   auth.NewLabKey(cfg.LabKeyHash),
		limiter:  limiter,
	}
}

func initRedis(cfg config.Config) *redis.Client {
	var rdb *redis.Client
	if len(cfg.RedisSentinelAddrs) > 0 {
		log.Infof("Initializing Redis in Sentinel Mode. Sentinels: %v", cfg.RedisSentinelAddrs)
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.RedisMasterName,
			SentinelAddrs: cfg.RedisSentinelAddrs,
			DB:            cfg.RedisDB,
		})
	} else {
		log.Infof("Initializing Redis in Single Node Mode. Addr: %s", cfg.RedisAddr)
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
	}

	if cfg.EnableTracing {
		if err := redisotel.InstrumentTracing(rdb); err != nil {
			log.Warnf("failed to instrument redis: %v", err)
		}
	}

	maxRetries := 10
	for i := 0; i < maxRetries; i++ {
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()

		if err == nil {
			log.Info("connected to redis")
			return rdb
		}
		if i == maxRetries-1 {
			log.Warnf("failed to connect to redis after %d retries: %v", maxRetries, err)
			_ = rdb.Close()
			return nil
		}

		backoff := time.Duration(1<<i) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		log.Warnf("redis not ready, retry in %v... (%d/%d)", backoff, i+1, maxRetries)
		time.Sleep(backoff)
	}
	return nil
}

// initEvents publishes status events over rocketmq when a name server is
// configured, with the notifier consuming them. Otherwise the notifier is
// called in process.
func initEvents(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, notifier *worker.Notifier) service.EventPublisher {
	if cfg.RocketMQNameServer == "" {
		log.Info("ROCKETMQ_NAMESERVER not set, sending notifications in process")
		return notifier
	}

	addr := resolveToIP(cfg.RocketMQNameServer)
	log.Infof("RocketMQ NameServer: %s -> %s", cfg.RocketMQNameServer, addr)

	mqProducer, err := rocketmq.NewProducer(
		producer.WithNameServer([]string{addr}),
		producer.WithGroupName(producerGroup),
		producer.WithRetry(3),
	)
	if err != nil {
		log.Warnf("Failed to create RocketMQ producer: %v (notifying in process)", err)
		return notifier
	}
	if err := mqProducer.Start(); err != nil {
		log.Warnf("Failed to start RocketMQ producer: %v (notifying in process)", err)
		return notifier
	}

	consumer, err := worker.NewStatusConsumer([]string{addr}, notifier, log)
	if err == nil {
		err = consumer.Start(ctx, wg)
	}
	if err != nil {
		log.Warnf("Status consumer disabled: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := mqProducer.Shutdown(); err != nil {
			log.Errorf("Failed to shutdown RocketMQ producer: %v", err)
		}
	}()
	return service.NewMQPublisher(mqProducer, log)
}

func initArchive(ctx context.Context, cfg config.Config) archive.Store {
	if cfg.ArchiveBucket == "" {
		log.Info("ARCHIVE_S3_BUCKET not set, archiving lab submissions in memory")
		return archive.NewMemoryStore()
	}
	store, err := archive.NewS3Store(ctx, archive.S3Config{
		Bucket:    cfg.ArchiveBucket,
		Region:    cfg.ArchiveRegion,
		Endpoint:  cfg.ArchiveEndpoint,
		PathStyle: cfg.ArchivePathStyle,
	})
	if err != nil {
		log.Warnf("failed to init s3 archive: %v, archiving in memory", err)
		return archive.NewMemoryStore()
	}
	log.Infof("archiving lab submissions to s3://%s", cfg.ArchiveBucket)
	return store
}

// resolveToIP turns host:port into ip:port; the rocketmq client does not
// resolve host names itself.
func resolveToIP(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); ip != nil {
		return addr
	}

	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return addr
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return net.JoinHostPort(ip4.String(), port)
		}
	}
	return net.JoinHostPort(ips[0].String(), port)
}
