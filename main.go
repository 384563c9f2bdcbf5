package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/eddielth/efergy-bridge/config"
	"github.com/eddielth/efergy-bridge/logger"
	"github.com/eddielth/efergy-bridge/metrics"
	"github.com/eddielth/efergy-bridge/mqtt"
	"github.com/eddielth/efergy-bridge/pipeline"
	"github.com/eddielth/efergy-bridge/supervisor"
	"github.com/eddielth/efergy-bridge/transformer"
	"github.com/eddielth/efergy-bridge/validator"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the optional YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Error("%v", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	encoder, err := transformer.NewManager(cfg.Transformer)
	if err != nil {
		return fmt.Errorf("loading payload transformer: %w", err)
	}

	client, err := mqtt.NewClient(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("creating MQTT client: %w", err)
	}
	defer client.Close()

	chain := supervisor.New(cfg.Decoder)
	runner := pipeline.NewRunner(
		chain,
		mqtt.NewPublisher(client, encoder, os.Stdout),
		validator.Default(),
		m,
		os.Stdout,
	)

	if cfg.Metrics.Listen != "" {
		status := func() metrics.Status {
			up, down := chain.PIDs()
			return metrics.Status{
				State:           runner.State().String(),
				UpstreamPID:     up,
				DownstreamPID:   down,
				BrokerConnected: client.IsConnected(),
				Scripted:        encoder.Scripted(),
			}
		}
		srv := metrics.NewServer(cfg.Metrics.Listen, reg, status, pipeline.Healthy)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("metrics server shutdown: %v", err)
			}
		}()
	}

	err = config.WatchConfig(configPath, func(newCfg *config.Config) error {
		if err := logger.SetLevel(newCfg.Logger.Level); err != nil {
			logger.Warn("keeping log level: %v", err)
		}
		// Decoder and broker settings only apply on restart.
		return encoder.Reload(newCfg.Transformer)
	})
	if err != nil {
		logger.Debug("not watching configuration file: %v", err)
	} else {
		logger.Info("watching %s for changes", configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("efergy bridge started, publishing to %s via %s", mqtt.Topic, mqtt.BrokerURL(cfg.MQTT.Host, cfg.MQTT.Port))

	if err := runner.Run(ctx); err != nil {
		return err
	}

	logger.Info("efergy bridge stopped")
	return nil
}
