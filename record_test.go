package outbox

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRecordDefaults(t *testing.T) {
	before := time.Now().UTC()
	rec := NewRecord("article", []byte("payload"))
	after := time.Now().UTC()

	if rec.ID == uuid.Nil {
		t.Error("expected a generated ID")
	}
	if rec.Topic != "article" {
		t.Errorf("expected topic %q, got %q", "article", rec.Topic)
	}
	if rec.PartitionKey != "" {
		t.Errorf("expected no partition key, got %q", rec.PartitionKey)
	}
	if len(rec.Headers) != 0 {
		t.Errorf("expected no headers, got %v", rec.Headers)
	}
	if rec.CreatedAt.Before(before) || rec.CreatedAt.After(after) {
		t.Errorf("expected CreatedAt between %v and %v, got %v", before, after, rec.CreatedAt)
	}
	if rec.Attempts != 0 {
		t.Errorf("expected Attempts to be 0, got %v", rec.Attempts)
	}
}

func TestRecordOptions(t *testing.T) {
	customID := uuid.New()
	customTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rec := NewRecord(
		"article",
		[]byte("payload"),
		WithID(customID),
		WithCreatedAt(customTime),
		WithPartitionKey("a1"),
		WithHeader("event_type", "ArticleCreated"),
		WithHeader("schema_version", "1"),
	)

	if rec.ID != customID {
		t.Errorf("expected ID to be %v, got %v", customID, rec.ID)
	}
	if !rec.CreatedAt.Equal(customTime) {
		t.Errorf("expected CreatedAt to be %v, got %v", customTime, rec.CreatedAt)
	}
	if rec.PartitionKey != "a1" {
		t.Errorf("expected PartitionKey to be %q, got %q", "a1", rec.PartitionKey)
	}
	if !bytes.Equal(rec.Payload, []byte("payload")) {
		t.Errorf("expected Payload to be %v, got %v", []byte("payload"), rec.Payload)
	}
	if len(rec.Headers) != 2 {
		t.Fatalf("expected 2 headers, got %d", len(rec.Headers))
	}
	if got, _ := rec.Headers.Get("event_type"); got != "ArticleCreated" {
		t.Errorf("expected event_type header %q, got %q", "ArticleCreated", got)
	}
}

func TestWithHeadersReplaces(t *testing.T) {
	rec := NewRecord("article", nil,
		WithHeader("a", "1"),
		WithHeaders(Headers{{Key: "b", Value: "2"}}),
	)

	if len(rec.Headers) != 1 || rec.Headers[0].Key != "b" {
		t.Errorf("expected headers to be replaced with [b], got %v", rec.Headers)
	}
}
