package registry

import (
	"context"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_ToolRoundTrip(t *testing.T) {
	schema := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"name"},
		Properties: map[string]*jsonschema.Schema{
			"name": {Type: "string"},
		},
	}
	reg, err := NewBuilder().Tool(ToolDescriptor{
		Name:        "greet",
		Description: "say hello",
		InputSchema: schema,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "hello " + args["name"].(string), nil
		},
	}).Build()
	require.NoError(t, err)

	d, ok := reg.Tool("greet")
	require.True(t, ok)
	assert.NoError(t, d.ValidateArgs(map[string]any{"name": "ada"}))
	assert.Error(t, d.ValidateArgs(map[string]any{}))

	result, err := d.Handler(context.Background(), map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", result)
}

func TestBuilder_DuplicateToolFails(t *testing.T) {
	_, err := NewBuilder().
		Tool(ToolDescriptor{Name: "dup"}).
		Tool(ToolDescriptor{Name: "dup"}).
		Build()
	assert.Error(t, err)
}

func TestRegistry_ResourceExactMatchWinsOverTemplate(t *testing.T) {
	reg, err := NewBuilder().
		Resource(ResourceDescriptor{URI: "file:///{path}", Name: "generic"}).
		Resource(ResourceDescriptor{URI: "file:///readme.md", Name: "exact"}).
		Build()
	require.NoError(t, err)

	d, params, ok := reg.Resource("file:///readme.md")
	require.True(t, ok)
	assert.Equal(t, "exact", d.Name)
	assert.Nil(t, params)
}

func TestRegistry_ResourceTemplateCapturesSegment(t *testing.T) {
	reg, err := NewBuilder().
		Resource(ResourceDescriptor{URI: "docs:///{section}", Name: "docs"}).
		Build()
	require.NoError(t, err)

	d, params, ok := reg.Resource("docs:///intro")
	require.True(t, ok)
	assert.True(t, d.IsTemplate())
	assert.Equal(t, "intro", params["section"])
}

func TestRegistry_ResourceTemplateDoesNotSpanSlashes(t *testing.T) {
	reg, err := NewBuilder().
		Resource(ResourceDescriptor{URI: "docs:///{section}", Name: "docs"}).
		Build()
	require.NoError(t, err)

	_, _, ok := reg.Resource("docs:///intro/sub")
	assert.False(t, ok)
}

func TestRegistry_ResourceNotFound(t *testing.T) {
	reg, err := NewBuilder().Build()
	require.NoError(t, err)
	_, _, ok := reg.Resource("file:///missing")
	assert.False(t, ok)
}

func TestBuilder_PromptRoundTrip(t *testing.T) {
	reg, err := NewBuilder().
		Prompt(PromptDescriptor{
			Name: "summarize",
			Arguments: []PromptArgument{
				{Name: "text", Required: true},
			},
		}).
		Build()
	require.NoError(t, err)

	d, ok := reg.Prompt("summarize")
	require.True(t, ok)
	assert.Len(t, d.Arguments, 1)
	assert.Len(t, reg.Prompts(), 1)
}
