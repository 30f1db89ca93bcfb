package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitInstallsProviderOnce(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := Init(context.Background(), Config{ServiceName: "crawlqueue-test", Version: "dev", SampleRatio: 1},
		sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	require.NotNil(t, tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	again, err := Init(context.Background(), Config{ServiceName: "ignored"})
	require.NoError(t, err)
	require.Same(t, tp, again)
	require.NotNil(t, otel.GetTextMapPropagator())

	_, span := Start(context.Background(), "claim")
	End(span, errors.New("boom"))
	_, ok := Start(context.Background(), "report")
	End(ok, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "claim", spans[0].Name())
	require.Len(t, spans[0].Events(), 1, "error recorded as span event")
}
