package main

import (
	"context"
	"flag"
	"os"

	"go.uber.org/zap"

	"github.com/dataward/target-bigquery/internal/bq"
	"github.com/dataward/target-bigquery/internal/config"
	"github.com/dataward/target-bigquery/internal/pipeline"
	"github.com/dataward/target-bigquery/internal/sink/batch"
	"github.com/dataward/target-bigquery/internal/sink/stream"
)

func main() {
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	logger, _ := zapConfig.Build()

	defer logger.Sync()

	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "config file path")
	flag.StringVar(&configPath, "c", os.Getenv("CONFIG_PATH"), "config file path (shorthand)")
	flag.Parse()

	logger.Info("Starting target-bigquery")

	if configPath == "" {
		logger.Fatal("no config file given, pass -c or set CONFIG_PATH")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	logger.Info("Configuration loaded successfully",
		zap.String("project", cfg.ProjectID),
		zap.String("dataset", cfg.DatasetID),
		zap.String("location", cfg.Location),
		zap.Bool("stream_data", cfg.StreamData),
		zap.Bool("truncate", cfg.Truncate),
		zap.Bool("validate_records", cfg.ValidateRecords),
		zap.Strings("forced_fulltables", cfg.ForcedFullTables),
		zap.String("table_prefix", cfg.TablePrefix),
		zap.String("table_suffix", cfg.TableSuffix))

	ctx := context.Background()

	client, err := bq.New(ctx, cfg.ProjectID, cfg.DatasetID, cfg.Location, logger)
	if err != nil {
		logger.Fatal("bigquery client init failed", zap.Error(err))
	}
	defer func() {
		logger.Info("Closing BigQuery client")
		client.Close()
	}()

	if err := client.EnsureDataset(ctx); err != nil {
		logger.Fatal("dataset init failed", zap.Error(err))
	}

	var engine pipeline.Engine
	firstSchemaWins := false
	if cfg.StreamData {
		logger.Info("Using streaming inserts")
		engine = stream.New(client, cfg.ForcedFullTables, logger)
	} else {
		logger.Info("Using batch load jobs")
		batchEngine := batch.New(client, cfg.Truncate, cfg.ForcedFullTables, logger)
		defer batchEngine.Close()
		engine = batchEngine
		firstSchemaWins = true
	}

	processor := pipeline.New(engine, cfg.ValidateRecords, cfg.TablePrefix, cfg.TableSuffix, firstSchemaWins, logger)
	emitter := pipeline.NewWriterEmitter(os.Stdout, logger)

	if err := processor.Run(ctx, os.Stdin, emitter); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
	logger.Info("Run completed successfully")
}
