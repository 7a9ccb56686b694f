package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/metric"
)

func TestInitInstallsProvidersAndMetricsRecord(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(&buf)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}()

	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.Mutations.Add(context.Background(), 1, metric.WithAttributes(
		CollectionAttr("people"), MutationTypeAttr("insert"),
	))

	_, span := Tracer().Start(context.Background(), "test-span")
	span.End()
}

func TestCollectionAttrAndMutationTypeAttr(t *testing.T) {
	a := CollectionAttr("people")
	if !strings.Contains(string(a.Key), "collection") {
		t.Fatalf("CollectionAttr key = %q", a.Key)
	}
	b := MutationTypeAttr("update")
	if b.Value.AsString() != "update" {
		t.Fatalf("MutationTypeAttr value = %q", b.Value.AsString())
	}
}
