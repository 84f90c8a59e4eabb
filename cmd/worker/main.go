package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/mailtriage/internal/config"
	"github.com/timmy/mailtriage/internal/logger"
	"github.com/timmy/mailtriage/internal/taskqueue"
	"golang.org/x/sync/errgroup"
)

func main() {
	opts := logger.OptionsFromEnv()
	opts.ServiceName = "mailtriage-worker"
	appLogger := logger.New(opts)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if cfg.Queue.Driver != "amqp" {
		appLogger.WithField("driver", cfg.Queue.Driver).Fatal("The dispatcher only runs with the amqp queue driver")
	}
	if cfg.Queue.TargetURL() == "" {
		appLogger.Fatal("SERVICE_URL is required to dispatch tasks")
	}

	sub, err := taskqueue.NewAMQPSubscriber(&cfg.Queue)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize AMQP subscriber")
	}
	defer sub.Close()

	// A delivery lasts as long as the chunk it triggers.
	dispatcher := taskqueue.NewDispatcher(cfg.Queue.TargetURL(), cfg.Queue.WorkerToken, cfg.Processor.Timeout+time.Minute)
	router, err := taskqueue.NewRouter(sub, cfg.Queue.AMQP.Topic, dispatcher, taskqueue.NewWatermillLogger(appLogger))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to create message router")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return router.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-router.Running():
			appLogger.WithFields(logger.Fields{
				"topic":  cfg.Queue.AMQP.Topic,
				"target": cfg.Queue.TargetURL(),
			}).Info("Dispatcher running")
		case <-gctx.Done():
			return nil
		}
		<-gctx.Done()
		appLogger.Info("Received shutdown signal, closing router...")
		return router.Close()
	})

	if err := g.Wait(); err != nil {
		appLogger.WithError(err).Fatal("Dispatcher stopped with error")
	}
	appLogger.Info("Dispatcher exited")
}
