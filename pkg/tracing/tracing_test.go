package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResourceAttributes(t *testing.T) {
	got := ParseResourceAttributes(" service.namespace=birdtag, team = media ,junk,,k=v=w")
	assert.Equal(t, map[string]string{
		"service.namespace": "birdtag",
		"team":              "media",
		"k":                 "v=w",
	}, got)
	assert.Empty(t, ParseResourceAttributes(""))
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "birdtag-test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := Start(context.Background(), "noop")
	End(span, errors.New("boom"))
}
