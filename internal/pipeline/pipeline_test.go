package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/dataward/target-bigquery/internal/schema"
)

type fakeEngine struct {
	calls     []string
	records   map[string][]map[string]any
	flushed   bool
	schemaErr error
	recordErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{records: make(map[string][]map[string]any)}
}

func (f *fakeEngine) Schema(ctx context.Context, table string, node *schema.Node, keyProperties []string) error {
	f.calls = append(f.calls, "schema:"+table)
	return f.schemaErr
}

func (f *fakeEngine) Record(ctx context.Context, table string, record map[string]any) error {
	f.calls = append(f.calls, "record:"+table)
	f.records[table] = append(f.records[table], record)
	return f.recordErr
}

func (f *fakeEngine) Flush(ctx context.Context) error {
	f.calls = append(f.calls, "flush")
	f.flushed = true
	return nil
}

type fakeEmitter struct {
	engine        *fakeEngine
	states        []string
	flushedAtEmit []bool
}

func (f *fakeEmitter) Emit(state json.RawMessage) error {
	f.states = append(f.states, string(state))
	f.flushedAtEmit = append(f.flushedAtEmit, f.engine.flushed)
	return nil
}

const usersSchema = `{"type":"SCHEMA","stream":"users","schema":{"type":"object","properties":{"id":{"type":"integer"},"name":{"type":"string"}}},"key_properties":["id"]}`

func TestRunSchemaRecordState(t *testing.T) {
	input := strings.Join([]string{
		usersSchema,
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"a"}}`,
		`{"type":"STATE","value":{"bookmark":1}}`,
	}, "\n")

	engine := newFakeEngine()
	emitter := &fakeEmitter{engine: engine}
	p := New(engine, true, "", "", true, zap.NewNop())

	if err := p.Run(context.Background(), strings.NewReader(input), emitter); err != nil {
		t.Fatal(err)
	}

	want := []string{"schema:users", "record:users", "flush"}
	if len(engine.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, engine.calls)
	}
	for i := range want {
		if engine.calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, engine.calls)
		}
	}

	if len(engine.records["users"]) != 1 {
		t.Fatalf("expected 1 record, got %d", len(engine.records["users"]))
	}
	record := engine.records["users"][0]
	if record["id"] != json.Number("1") || record["name"] != "a" {
		t.Fatalf("unexpected record: %v", record)
	}

	if len(emitter.states) != 1 || emitter.states[0] != `{"bookmark":1}` {
		t.Fatalf("unexpected emitted states: %v", emitter.states)
	}
	if !emitter.flushedAtEmit[0] {
		t.Fatal("state emitted before the engine flushed")
	}
}

func TestRunRecordBeforeSchema(t *testing.T) {
	input := `{"type":"RECORD","stream":"users","record":{"id":1}}`

	engine := newFakeEngine()
	p := New(engine, false, "", "", true, zap.NewNop())

	err := p.Run(context.Background(), strings.NewReader(input), &fakeEmitter{engine: engine})
	if !errors.Is(err, ErrSchemaNotFound) {
		t.Fatalf("expected ErrSchemaNotFound, got %v", err)
	}
}

func TestRunRecordClearsPendingState(t *testing.T) {
	input := strings.Join([]string{
		usersSchema,
		`{"type":"STATE","value":{"bookmark":1}}`,
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"a"}}`,
	}, "\n")

	engine := newFakeEngine()
	emitter := &fakeEmitter{engine: engine}
	p := New(engine, false, "", "", true, zap.NewNop())

	if err := p.Run(context.Background(), strings.NewReader(input), emitter); err != nil {
		t.Fatal(err)
	}
	if len(emitter.states) != 0 {
		t.Fatalf("stale state must not be emitted, got %v", emitter.states)
	}
}

func TestRunOnlyLatestStateEmitted(t *testing.T) {
	input := strings.Join([]string{
		usersSchema,
		`{"type":"STATE","value":{"bookmark":1}}`,
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"a"}}`,
		`{"type":"STATE","value":{"bookmark":2}}`,
	}, "\n")

	engine := newFakeEngine()
	emitter := &fakeEmitter{engine: engine}
	p := New(engine, false, "", "", true, zap.NewNop())

	if err := p.Run(context.Background(), strings.NewReader(input), emitter); err != nil {
		t.Fatal(err)
	}
	if len(emitter.states) != 1 || emitter.states[0] != `{"bookmark":2}` {
		t.Fatalf("expected only the latest state, got %v", emitter.states)
	}
}

func TestRunValidationFailure(t *testing.T) {
	input := strings.Join([]string{
		usersSchema,
		`{"type":"RECORD","stream":"users","record":{"id":"not-an-integer"}}`,
	}, "\n")

	engine := newFakeEngine()
	p := New(engine, true, "", "", true, zap.NewNop())

	err := p.Run(context.Background(), strings.NewReader(input), &fakeEmitter{engine: engine})
	if !errors.Is(err, ErrRecordValidation) {
		t.Fatalf("expected ErrRecordValidation, got %v", err)
	}
}

func TestRunValidationDisabledAcceptsAnything(t *testing.T) {
	input := strings.Join([]string{
		usersSchema,
		`{"type":"RECORD","stream":"users","record":{"id":"not-an-integer"}}`,
	}, "\n")

	engine := newFakeEngine()
	p := New(engine, false, "", "", true, zap.NewNop())

	if err := p.Run(context.Background(), strings.NewReader(input), &fakeEmitter{engine: engine}); err != nil {
		t.Fatal(err)
	}
	if len(engine.records["users"]) != 1 {
		t.Fatal("record should reach the engine when validation is off")
	}
}

func TestRunProjectionDropsUndeclaredFields(t *testing.T) {
	input := strings.Join([]string{
		usersSchema,
		`{"type":"RECORD","stream":"users","record":{"id":1,"name":"a","stowaway":true}}`,
	}, "\n")

	engine := newFakeEngine()
	p := New(engine, false, "", "", true, zap.NewNop())

	if err := p.Run(context.Background(), strings.NewReader(input), &fakeEmitter{engine: engine}); err != nil {
		t.Fatal(err)
	}
	record := engine.records["users"][0]
	if _, ok := record["stowaway"]; ok {
		t.Fatal("undeclared field must be dropped")
	}
}

func TestRunMalformedLine(t *testing.T) {
	engine := newFakeEngine()
	p := New(engine, false, "", "", true, zap.NewNop())

	err := p.Run(context.Background(), strings.NewReader(`{"type":"RECORD"`), &fakeEmitter{engine: engine})
	if err == nil {
		t.Fatal("expected fatal parse error")
	}
}

func TestRunTableNameDecoration(t *testing.T) {
	engine := newFakeEngine()
	p := New(engine, false, "raw_", "_v1", true, zap.NewNop())

	if err := p.Run(context.Background(), strings.NewReader(usersSchema), &fakeEmitter{engine: engine}); err != nil {
		t.Fatal(err)
	}
	if engine.calls[0] != "schema:raw_users_v1" {
		t.Fatalf("expected decorated table name, got %s", engine.calls[0])
	}
}

func TestRunRepeatedSchemaFirstWins(t *testing.T) {
	input := strings.Join([]string{usersSchema, usersSchema}, "\n")

	engine := newFakeEngine()
	p := New(engine, false, "", "", true, zap.NewNop())

	if err := p.Run(context.Background(), strings.NewReader(input), &fakeEmitter{engine: engine}); err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, c := range engine.calls {
		if c == "schema:users" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one schema registration, got %d", count)
	}
}

func TestRunRepeatedSchemaReplacedForStreaming(t *testing.T) {
	input := strings.Join([]string{usersSchema, usersSchema}, "\n")

	engine := newFakeEngine()
	p := New(engine, false, "", "", false, zap.NewNop())

	if err := p.Run(context.Background(), strings.NewReader(input), &fakeEmitter{engine: engine}); err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, c := range engine.calls {
		if c == "schema:users" {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected two schema registrations, got %d", count)
	}
}

func TestWriterEmitter(t *testing.T) {
	var sb strings.Builder
	e := NewWriterEmitter(&sb, zap.NewNop())
	if err := e.Emit(json.RawMessage(`{"bookmark":1}`)); err != nil {
		t.Fatal(err)
	}
	if sb.String() != "{\"bookmark\":1}\n" {
		t.Fatalf("unexpected output: %q", sb.String())
	}
}
