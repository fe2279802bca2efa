package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"

	"github.com/dataward/target-bigquery/internal/bq"
	"github.com/dataward/target-bigquery/internal/schema"
)

// recreateWait is how long inserts are held off after a table has been
// deleted and recreated. Streaming inserts against a recreated table are only
// eventually consistent; inserting before the window elapses can lose rows
// silently.
const recreateWait = 5 * time.Minute

type entry struct {
	node     *schema.Node
	accepted int64
}

// Engine materializes tables eagerly on schema events and inserts every
// record as it arrives. Overwrite is only supported per table via the forced
// full-table set; deferred loads are the strategy for global truncation.
type Engine struct {
	client bq.Client
	forced map[string]bool
	wait   time.Duration
	logger *zap.Logger
	tables map[string]*entry
	order  []string
}

func New(client bq.Client, forcedFullTables []string, logger *zap.Logger) *Engine {
	logger.Info("Creating stream insert engine",
		zap.Strings("forced_fulltables", forcedFullTables))

	forced := make(map[string]bool, len(forcedFullTables))
	for _, name := range forcedFullTables {
		forced[name] = true
	}
	return &Engine{
		client: client,
		forced: forced,
		wait:   recreateWait,
		logger: logger,
		tables: make(map[string]*entry),
	}
}

// Schema creates or recreates the table for a stream. A re-declared schema
// replaces the stored one. When the table is in the forced full-table set it
// is deleted and recreated, and inserts are held back for the consistency
// window before any row is sent to the new table.
func (e *Engine) Schema(ctx context.Context, table string, node *schema.Node, keyProperties []string) error {
	tableSchema, err := schema.Build(node, keyProperties)
	if err != nil {
		return fmt.Errorf("build schema for %s: %w", table, err)
	}

	t, ok := e.tables[table]
	if !ok {
		t = &entry{}
		e.tables[table] = t
		e.order = append(e.order, table)
	}
	t.node = node

	exists, err := e.client.TableExists(ctx, table)
	if err != nil {
		return fmt.Errorf("probe table %s: %w", table, err)
	}

	switch {
	case !exists:
		e.logger.Info("Creating table", zap.String("table", table))
		return e.client.CreateTable(ctx, table, tableSchema)
	case e.forced[table]:
		e.logger.Info("Recreating table for full-table replication", zap.String("table", table))
		if err := e.client.DeleteTable(ctx, table); err != nil {
			return fmt.Errorf("delete table %s: %w", table, err)
		}
		if err := e.client.CreateTable(ctx, table, tableSchema); err != nil {
			return fmt.Errorf("recreate table %s: %w", table, err)
		}
		e.logger.Info("Waiting for recreated table to settle",
			zap.String("table", table),
			zap.Duration("wait", e.wait))
		time.Sleep(e.wait)
	default:
		e.logger.Debug("Table exists, using as-is", zap.String("table", table))
	}
	return nil
}

// Record inserts one projected record immediately. An insert failure is
// logged with the offending record and returned; the caller aborts the run.
func (e *Engine) Record(ctx context.Context, table string, record map[string]any) error {
	t, ok := e.tables[table]
	if !ok {
		return fmt.Errorf("no table registered for %s", table)
	}

	if err := e.client.Insert(ctx, table, toRow(record)); err != nil {
		var ierr *bq.InsertError
		if errors.As(err, &ierr) {
			for _, re := range ierr.Errors {
				e.logger.Error("Insert row error",
					zap.String("table", table),
					zap.String("reason", re.Reason),
					zap.String("message", re.Message))
			}
		}
		e.logger.Error("Failed to insert record",
			zap.Error(err),
			zap.String("table", table),
			zap.Any("record", record))
		return err
	}
	t.accepted++
	return nil
}

// Flush reports per-table totals. Every insert already completed
// synchronously, so there is no buffered work left to write.
func (e *Engine) Flush(ctx context.Context) error {
	for _, table := range e.order {
		e.logger.Info("Stream totals",
			zap.String("table", table),
			zap.Int64("accepted", e.tables[table].accepted))
	}
	return nil
}

func toRow(record map[string]any) map[string]bigquery.Value {
	row := make(map[string]bigquery.Value, len(record))
	for key, value := range record {
		row[key] = bigquery.Value(value)
	}
	return row
}
