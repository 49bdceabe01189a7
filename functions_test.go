package workerchan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/workerchan-go/config"
	"github.com/machinefabric/workerchan-go/wire"
)

func TestParseRawBinding(t *testing.T) {
	b, err := ParseRawBinding(`{"name":"out","type":"queue","direction":"out","dataType":"binary"}`)
	require.NoError(t, err)
	assert.Equal(t, BindingDescriptor{Name: "out", Type: "queue", Direction: "out", DataType: "binary"}, b)

	for name, raw := range map[string]string{
		"missing name":  `{"type":"queue","direction":"out"}`,
		"bad direction": `{"name":"x","type":"queue","direction":"up"}`,
		"empty type":    `{"name":"x","type":"","direction":"in"}`,
		"not json":      `{"name":`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRawBinding(raw)
			assert.Error(t, err)
		})
	}
}

func TestFunctionsFromConfig(t *testing.T) {
	fns := FunctionsFromConfig([]config.Function{
		{
			ID:          "f1",
			Name:        "hello",
			ScriptFile:  "hello.js",
			LoadTimeout: config.Duration{Duration: time.Minute},
			Bindings:    []config.Binding{{Name: "req", Type: "httpTrigger", Direction: "in"}},
		},
		{ID: "f2", Name: "bye", Disabled: true},
	})
	require.Len(t, fns, 2)
	assert.Equal(t, time.Minute, fns[0].LoadTimeout)
	assert.True(t, fns[1].Disabled)

	req := fns[0].loadRequest(true)
	assert.Equal(t, "f1", req.FunctionID)
	assert.True(t, req.ManagedDependencyEnabled)
	assert.Equal(t, wire.Binding{Type: "httpTrigger", Direction: "in"}, req.Metadata.Bindings["req"])
}

func TestLoadOrderAndDeadline(t *testing.T) {
	a := FunctionDescriptor{ID: "a", Disabled: true}
	b := FunctionDescriptor{ID: "b"}
	c := FunctionDescriptor{ID: "c", LoadTimeout: 3 * time.Minute}
	ordered := loadOrder([]FunctionDescriptor{a, b, c})
	assert.Equal(t, []string{"b", "c", "a"}, []string{ordered[0].ID, ordered[1].ID, ordered[2].ID})

	ch := &Channel{cfg: config.DefaultChannel()}
	ch.cfg.FunctionLoadTimeout = config.Duration{Duration: time.Minute}
	assert.Equal(t, time.Minute, ch.loadDeadline([]FunctionDescriptor{b}, 0))
	assert.Equal(t, 2*time.Minute, ch.loadDeadline([]FunctionDescriptor{b}, 2*time.Minute))
	assert.Equal(t, 3*time.Minute, ch.loadDeadline([]FunctionDescriptor{b, c}, 2*time.Minute))
}

func TestParseMetadataDefaultIndexing(t *testing.T) {
	res, err := parseMetadataResponse(&wire.MetadataResponse{UseDefaultMetadataIndexing: true}, false)
	require.NoError(t, err)
	assert.True(t, res.UseDefaultIndexing)
	assert.Empty(t, res.Functions)

	_, err = parseMetadataResponse(&wire.MetadataResponse{Result: wire.Failure("no app")}, false)
	assert.ErrorIs(t, err, ErrMetadata)
}
