package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/dataward/target-bigquery/internal/schema"
	"github.com/dataward/target-bigquery/internal/singer"
)

// ErrSchemaNotFound marks a record that arrived before any schema for its
// stream, which is a tap-side ordering violation.
var ErrSchemaNotFound = errors.New("record seen before its schema")

// ErrRecordValidation marks a record rejected by its declared schema.
var ErrRecordValidation = errors.New("record validation failed")

// Taps can emit very wide rows; size the line buffer accordingly.
const maxLineBytes = 32 * 1024 * 1024

// Engine ingests translated streams. Implementations are the batch loader
// and the streaming inserter.
type Engine interface {
	Schema(ctx context.Context, table string, node *schema.Node, keyProperties []string) error
	Record(ctx context.Context, table string, record map[string]any) error
	Flush(ctx context.Context) error
}

// StateEmitter receives the latest safe checkpoint once every record that
// precedes it has been durably stored.
type StateEmitter interface {
	Emit(state json.RawMessage) error
}

type writerEmitter struct {
	out    io.Writer
	logger *zap.Logger
}

// NewWriterEmitter writes each emitted state as one JSON line. Pointed at
// stdout it is the target's sole externally observable progress signal.
func NewWriterEmitter(out io.Writer, logger *zap.Logger) StateEmitter {
	return &writerEmitter{out: out, logger: logger}
}

func (w *writerEmitter) Emit(state json.RawMessage) error {
	if len(state) == 0 {
		return nil
	}
	w.logger.Debug("Emitting state", zap.ByteString("state", state))
	if _, err := w.out.Write(append(bytes.TrimSpace(state), '\n')); err != nil {
		return fmt.Errorf("emit state: %w", err)
	}
	return nil
}

type registration struct {
	node          *schema.Node
	raw           json.RawMessage
	keyProperties []string
}

// Processor consumes the tap's line stream in order, correlates schemas with
// the records that follow them, and hands projected records to the engine.
// It owns the single pending-checkpoint slot: overwritten by state events,
// cleared by record events, read once after the final flush.
type Processor struct {
	engine          Engine
	validate        bool
	prefix          string
	suffix          string
	firstSchemaWins bool
	logger          *zap.Logger

	tables map[string]*registration
	state  json.RawMessage
}

// New builds a processor. firstSchemaWins controls what a repeated schema
// event for a stream does: the batch engine keeps the first schema of a run,
// the streaming engine re-declares tables so the newest schema wins.
func New(engine Engine, validateRecords bool, tablePrefix, tableSuffix string, firstSchemaWins bool, logger *zap.Logger) *Processor {
	logger.Info("Creating message processor",
		zap.Bool("validate_records", validateRecords),
		zap.String("table_prefix", tablePrefix),
		zap.String("table_suffix", tableSuffix))

	return &Processor{
		engine:          engine,
		validate:        validateRecords,
		prefix:          tablePrefix,
		suffix:          tableSuffix,
		firstSchemaWins: firstSchemaWins,
		logger:          logger,
		tables:          make(map[string]*registration),
	}
}

// Run consumes lines until EOF, flushes the engine, and emits the pending
// state. The state is never emitted before the flush completes. Any error is
// fatal; nothing is retried here.
func (p *Processor) Run(ctx context.Context, in io.Reader, emitter StateEmitter) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lines := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines++
		if err := p.process(ctx, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	p.logger.Info("Input stream exhausted", zap.Int("lines", lines))

	if err := p.engine.Flush(ctx); err != nil {
		return err
	}
	if p.state != nil {
		return emitter.Emit(p.state)
	}
	return nil
}

func (p *Processor) process(ctx context.Context, line []byte) error {
	msg, err := singer.ParseMessage(line)
	if err != nil {
		p.logger.Error("Unable to parse singer message", zap.ByteString("line", line))
		return err
	}

	switch m := msg.(type) {
	case *singer.SchemaMessage:
		return p.handleSchema(ctx, m)
	case *singer.RecordMessage:
		return p.handleRecord(ctx, m)
	case *singer.StateMessage:
		p.logger.Debug("Setting state", zap.ByteString("state", m.Value))
		p.state = m.Value
		return nil
	case *singer.ActivateVersionMessage:
		p.logger.Debug("Ignoring ACTIVATE_VERSION message", zap.String("stream", m.Stream))
		return nil
	}
	return fmt.Errorf("%w: %T", singer.ErrInvalidMessage, msg)
}

func (p *Processor) tableName(stream string) string {
	return p.prefix + stream + p.suffix
}

func (p *Processor) handleSchema(ctx context.Context, m *singer.SchemaMessage) error {
	table := p.tableName(m.Stream)

	if _, ok := p.tables[table]; ok && p.firstSchemaWins {
		p.logger.Debug("Schema already registered for table, ignoring", zap.String("table", table))
		return nil
	}

	node, err := schema.Parse(m.Schema)
	if err != nil {
		return fmt.Errorf("stream %s: %w", m.Stream, err)
	}

	p.logger.Info("Registering schema",
		zap.String("stream", m.Stream),
		zap.String("table", table),
		zap.Strings("key_properties", m.KeyProperties))

	p.tables[table] = &registration{node: node, raw: m.Schema, keyProperties: m.KeyProperties}
	return p.engine.Schema(ctx, table, node, m.KeyProperties)
}

func (p *Processor) handleRecord(ctx context.Context, m *singer.RecordMessage) error {
	table := p.tableName(m.Stream)

	reg, ok := p.tables[table]
	if !ok {
		return fmt.Errorf("%w: stream %s", ErrSchemaNotFound, m.Stream)
	}

	if p.validate {
		result, err := gojsonschema.Validate(
			gojsonschema.NewBytesLoader(reg.raw),
			gojsonschema.NewBytesLoader(m.Record),
		)
		if err != nil {
			return fmt.Errorf("validate record for %s: %w", table, err)
		}
		if !result.Valid() {
			for _, desc := range result.Errors() {
				p.logger.Error("Record validation error",
					zap.String("table", table),
					zap.String("error", desc.String()))
			}
			return fmt.Errorf("%w: stream %s", ErrRecordValidation, m.Stream)
		}
	}

	record, err := singer.DecodeRecord(m.Record)
	if err != nil {
		return fmt.Errorf("decode record for %s: %w", table, err)
	}
	projected, err := schema.Project(reg.node, record)
	if err != nil {
		return fmt.Errorf("project record for %s: %w", table, err)
	}
	row, _ := projected.(map[string]any)

	if err := p.engine.Record(ctx, table, row); err != nil {
		return err
	}

	// Any pending checkpoint is stale once a record follows it.
	p.state = nil
	return nil
}
