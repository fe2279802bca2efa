package bq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Client is the warehouse surface the ingestion engines consume.
type Client interface {
	EnsureDataset(ctx context.Context) error
	DatasetExists(ctx context.Context) (bool, error)
	TableExists(ctx context.Context, table string) (bool, error)
	CreateTable(ctx context.Context, table string, schema bigquery.Schema) error
	DeleteTable(ctx context.Context, table string) error
	// Load runs one load job over newline-delimited JSON from the spool and
	// returns the number of rows written.
	Load(ctx context.Context, table string, schema bigquery.Schema, spool io.Reader, truncate bool) (int64, error)
	Insert(ctx context.Context, table string, row map[string]bigquery.Value) error
	Close() error
}

// RowError is one structured reason/message pair reported by BigQuery for a
// failed load or insert.
type RowError struct {
	Reason  string
	Message string
}

// LoadError is a failed load job together with the per-row reasons the
// service supplied, when it supplied any.
type LoadError struct {
	Table  string
	Errors []RowError
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load into %s failed: %v%s", e.Table, e.Err, formatRowErrors(e.Errors))
}

func (e *LoadError) Unwrap() error { return e.Err }

// InsertError is a failed streaming insert with per-row error descriptors.
type InsertError struct {
	Table  string
	Errors []RowError
	Err    error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("insert into %s failed: %v%s", e.Table, e.Err, formatRowErrors(e.Errors))
}

func (e *InsertError) Unwrap() error { return e.Err }

func formatRowErrors(errs []RowError) string {
	if len(errs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(errs))
	for _, re := range errs {
		parts = append(parts, fmt.Sprintf("reason: %s, message: %s", re.Reason, re.Message))
	}
	return "\n" + strings.Join(parts, "\n")
}

type client struct {
	bq       *bigquery.Client
	dataset  string
	location string
	logger   *zap.Logger
}

// New connects to BigQuery and targets the given project and dataset.
func New(ctx context.Context, project, dataset, location string, logger *zap.Logger, opts ...option.ClientOption) (Client, error) {
	logger.Info("Creating BigQuery client",
		zap.String("project", project),
		zap.String("dataset", dataset),
		zap.String("location", location))

	c, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		logger.Error("Failed to create BigQuery client", zap.Error(err))
		return nil, err
	}
	c.Location = location
	return &client{bq: c, dataset: dataset, location: location, logger: logger}, nil
}

// EnsureDataset creates the target dataset when it is missing. Creation
// failures are tolerated so that a run with table-only permissions can still
// proceed against an existing dataset.
func (c *client) EnsureDataset(ctx context.Context) error {
	c.logger.Info("Ensuring dataset exists", zap.String("dataset", c.dataset))
	err := c.bq.Dataset(c.dataset).Create(ctx, &bigquery.DatasetMetadata{Location: c.location})
	if err == nil || hasStatus(err, http.StatusConflict) {
		return nil
	}
	c.logger.Warn("Dataset creation failed, continuing anyway", zap.Error(err), zap.String("dataset", c.dataset))
	return nil
}

func (c *client) DatasetExists(ctx context.Context) (bool, error) {
	_, err := c.bq.Dataset(c.dataset).Metadata(ctx)
	if hasStatus(err, http.StatusNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *client) TableExists(ctx context.Context, table string) (bool, error) {
	_, err := c.bq.Dataset(c.dataset).Table(table).Metadata(ctx)
	if hasStatus(err, http.StatusNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *client) CreateTable(ctx context.Context, table string, schema bigquery.Schema) error {
	c.logger.Debug("Creating table", zap.String("table", table))
	err := c.bq.Dataset(c.dataset).Table(table).Create(ctx, &bigquery.TableMetadata{Schema: schema})
	if hasStatus(err, http.StatusConflict) {
		// Concurrent creation, the table is there.
		return nil
	}
	return err
}

func (c *client) DeleteTable(ctx context.Context, table string) error {
	c.logger.Debug("Deleting table", zap.String("table", table))
	return c.bq.Dataset(c.dataset).Table(table).Delete(ctx)
}

func (c *client) Load(ctx context.Context, table string, schema bigquery.Schema, spool io.Reader, truncate bool) (int64, error) {
	source := bigquery.NewReaderSource(spool)
	source.SourceFormat = bigquery.JSON
	source.Schema = schema

	loader := c.bq.Dataset(c.dataset).Table(table).LoaderFrom(source)
	loader.WriteDisposition = bigquery.WriteAppend
	if truncate {
		loader.WriteDisposition = bigquery.WriteTruncate
	}

	job, err := loader.Run(ctx)
	if err != nil {
		return 0, &LoadError{Table: table, Err: err}
	}
	c.logger.Info("Load job started", zap.String("table", table), zap.String("job_id", job.ID()))

	status, err := job.Wait(ctx)
	if err != nil {
		return 0, &LoadError{Table: table, Err: err}
	}
	if err := status.Err(); err != nil {
		return 0, &LoadError{Table: table, Errors: rowErrors(status.Errors), Err: err}
	}
	if status.Statistics != nil {
		if stats, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
			return stats.OutputRows, nil
		}
	}
	return 0, nil
}

func (c *client) Insert(ctx context.Context, table string, row map[string]bigquery.Value) error {
	err := c.bq.Dataset(c.dataset).Table(table).Inserter().Put(ctx, row)
	if err == nil {
		return nil
	}

	var multi bigquery.PutMultiError
	if errors.As(err, &multi) {
		var rows []RowError
		for _, rowErr := range multi {
			for _, e := range rowErr.Errors {
				var be *bigquery.Error
				if errors.As(e, &be) {
					rows = append(rows, RowError{Reason: be.Reason, Message: be.Message})
				} else {
					rows = append(rows, RowError{Message: e.Error()})
				}
			}
		}
		return &InsertError{Table: table, Errors: rows, Err: err}
	}
	return &InsertError{Table: table, Err: err}
}

func (c *client) Close() error {
	c.logger.Debug("Closing BigQuery client")
	return c.bq.Close()
}

func rowErrors(errs []*bigquery.Error) []RowError {
	out := make([]RowError, 0, len(errs))
	for _, e := range errs {
		out = append(out, RowError{Reason: e.Reason, Message: e.Message})
	}
	return out
}

func hasStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}
