package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/dataward/target-bigquery/internal/bq"
	"github.com/dataward/target-bigquery/internal/schema"
)

type entry struct {
	node          *schema.Node
	keyProperties []string
	spool         *os.File
	rows          int64
}

// Engine spools records per table for the whole run and issues one load job
// per table once the input stream is exhausted. It supports atomic overwrite
// because the truncate is part of the deferred load, not a separate delete.
type Engine struct {
	client   bq.Client
	truncate bool
	forced   map[string]bool
	logger   *zap.Logger
	tables   map[string]*entry
	order    []string
}

// New builds a batch engine. truncate switches every table to overwrite
// semantics; forcedFullTables does the same for the named tables only.
func New(client bq.Client, truncate bool, forcedFullTables []string, logger *zap.Logger) *Engine {
	logger.Info("Creating batch load engine",
		zap.Bool("truncate", truncate),
		zap.Strings("forced_fulltables", forcedFullTables))

	forced := make(map[string]bool, len(forcedFullTables))
	for _, name := range forcedFullTables {
		forced[name] = true
	}
	return &Engine{
		client:   client,
		truncate: truncate,
		forced:   forced,
		logger:   logger,
		tables:   make(map[string]*entry),
	}
}

// Schema registers a table and opens its spool. The first schema of a run
// wins; a repeated schema event for the same table is ignored.
func (e *Engine) Schema(ctx context.Context, table string, node *schema.Node, keyProperties []string) error {
	if _, ok := e.tables[table]; ok {
		e.logger.Debug("Schema already registered for table, keeping first", zap.String("table", table))
		return nil
	}

	spool, err := os.CreateTemp("", "target-bigquery-*.ndjson")
	if err != nil {
		return fmt.Errorf("create spool for %s: %w", table, err)
	}
	e.logger.Debug("Opened spool", zap.String("table", table), zap.String("spool", spool.Name()))

	e.tables[table] = &entry{node: node, keyProperties: keyProperties, spool: spool}
	e.order = append(e.order, table)
	return nil
}

// Record appends one projected record to the table's spool as a JSON line.
func (e *Engine) Record(ctx context.Context, table string, record map[string]any) error {
	t, ok := e.tables[table]
	if !ok {
		return fmt.Errorf("no spool registered for table %s", table)
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serialize record for %s: %w", table, err)
	}
	if _, err := t.spool.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("spool record for %s: %w", table, err)
	}
	t.rows++
	return nil
}

// Flush loads every spool into its table, in registration order. A failed
// load is fatal and aborts the remaining tables.
func (e *Engine) Flush(ctx context.Context) error {
	for _, table := range e.order {
		t := e.tables[table]

		tableSchema, err := schema.Build(t.node, t.keyProperties)
		if err != nil {
			return fmt.Errorf("build schema for %s: %w", table, err)
		}

		truncate := e.truncate || e.forced[table]
		if truncate {
			e.logger.Info("Loading table by FULL_TABLE", zap.String("table", table))
		}

		if _, err := t.spool.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind spool for %s: %w", table, err)
		}

		e.logger.Info("Loading spooled records into BigQuery",
			zap.String("table", table),
			zap.Int64("rows", t.rows))

		loaded, err := e.client.Load(ctx, table, tableSchema, t.spool, truncate)
		if err != nil {
			var lerr *bq.LoadError
			if errors.As(err, &lerr) {
				for _, re := range lerr.Errors {
					e.logger.Error("Load row error",
						zap.String("table", table),
						zap.String("reason", re.Reason),
						zap.String("message", re.Message))
				}
			}
			e.logger.Error("Failed to load table", zap.Error(err), zap.String("table", table))
			return err
		}
		e.logger.Info("Loaded rows", zap.String("table", table), zap.Int64("rows", loaded))
	}
	return nil
}

// Close removes the spool files.
func (e *Engine) Close() error {
	for table, t := range e.tables {
		if t.spool == nil {
			continue
		}
		name := t.spool.Name()
		if err := t.spool.Close(); err != nil {
			e.logger.Warn("Failed to close spool", zap.Error(err), zap.String("table", table))
		}
		if err := os.Remove(name); err != nil {
			e.logger.Warn("Failed to remove spool", zap.Error(err), zap.String("spool", name))
		}
	}
	return nil
}
