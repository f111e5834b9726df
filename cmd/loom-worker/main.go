package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	pulsesink "github.com/loomworks/loom/features/stream/pulse"
	clientspulse "github.com/loomworks/loom/features/stream/pulse/clients/pulse"
	taskmongo "github.com/loomworks/loom/features/task/mongo"
	"github.com/loomworks/loom/runtime/task"
	"github.com/loomworks/loom/runtime/telemetry"
)

func main() {
	var (
		configF   = flag.String("config", "", "Path to YAML configuration file")
		mongoURIF = flag.String("mongo-uri", "", "MongoDB connection URI (overrides config)")
		workerIDF = flag.String("worker-id", "", "Worker identifier (overrides config)")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Errorf(ctx, err, "failed to load configuration")
		os.Exit(1)
	}
	if *mongoURIF != "" {
		cfg.Mongo.URI = *mongoURIF
	}
	if *workerIDF != "" {
		cfg.Worker.ID = *workerIDF
	}
	log.Print(ctx, log.KV{K: "worker-id", V: cfg.Worker.ID},
		log.KV{K: "mongo-database", V: cfg.Mongo.Database})

	client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Errorf(ctx, err, "failed to connect to MongoDB")
		os.Exit(1)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "failed to disconnect from MongoDB")
		}
	}()

	queue, err := taskmongo.New(taskmongo.Options{
		Client:   client,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		log.Errorf(ctx, err, "failed to initialize task queue")
		os.Exit(1)
	}
	if report, healthy := health.NewChecker(queue).Check(ctx); !healthy {
		for name, status := range report.Status {
			if status != "OK" {
				log.Error(ctx, errors.New(status), log.KV{K: "dependency", V: name})
			}
		}
		os.Exit(1)
	}

	logger := telemetry.NewClueLogger()
	handler := task.Handler(newMediaHandler(cfg.Media))
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "failed to close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Errorf(ctx, err, "failed to connect to redis")
			os.Exit(1)
		}
		pulseClient, err := clientspulse.New(clientspulse.Options{
			Redis:        rdb,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			log.Errorf(ctx, err, "failed to build pulse client")
			os.Exit(1)
		}
		sink, err := pulsesink.NewSink(pulsesink.Options{Client: pulseClient, Logger: logger})
		if err != nil {
			log.Errorf(ctx, err, "failed to build stream sink")
			os.Exit(1)
		}
		handler = withStreamPublishing(handler, sink)
		log.Print(ctx, log.KV{K: "stream-publishing", V: cfg.Redis.Addr})
	}

	worker, err := task.NewWorker(task.WorkerOptions{
		Queue:             queue,
		ID:                cfg.Worker.ID,
		Handlers:          []task.Handler{handler},
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Logger:            logger,
		Metrics:           telemetry.NewClueMetrics(),
	})
	if err != nil {
		log.Errorf(ctx, err, "failed to build worker")
		os.Exit(1)
	}
	janitor, err := task.NewJanitor(queue, cfg.Janitor.SweepInterval, cfg.Janitor.StaleAfter, logger)
	if err != nil {
		log.Errorf(ctx, err, "failed to build janitor")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf(ctx, err, "worker exited")
		}
	}()
	go func() {
		defer wg.Done()
		if err := janitor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf(ctx, err, "janitor exited")
		}
	}()

	<-ctx.Done()
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"})
	wg.Wait()
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}
