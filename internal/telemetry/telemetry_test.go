package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestResource(t *testing.T) {
	res := Resource(Config{ServiceVersion: "1.2.0"})
	name, ok := res.Set().Value(attribute.Key("service.name"))
	require.True(t, ok)
	assert.Equal(t, "ferry", name.AsString())
	version, ok := res.Set().Value(attribute.Key("service.version"))
	require.True(t, ok)
	assert.Equal(t, "1.2.0", version.AsString())

	named := Resource(Config{ServiceName: "ferry-worker"})
	name, _ = named.Set().Value(attribute.Key("service.name"))
	assert.Equal(t, "ferry-worker", name.AsString())
}
