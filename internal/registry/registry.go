// Package registry holds the immutable descriptor tables spec.md §4.4
// requires for tools, resources, and prompts: built once at server
// construction, read-only thereafter, with resource URI resolution falling
// back from exact match to single-segment {param} templates. Naming and
// shape follow the ToolRegistry/Tool/ToolDefinition contract in
// JamesPrial-mcp-oauth-2.1's internal/mcp/mcp.go, generalized from an
// interface a caller must implement per-tool to a concrete registry backed
// by google/jsonschema-go for input validation.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// ToolHandler executes a tool call. args is the raw "arguments" object from
// the tools/call request, already validated against the tool's InputSchema.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolDescriptor is the immutable metadata and handler for one registered
// tool.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Handler     ToolHandler

	resolved *jsonschema.Resolved
}

// ResourceHandler reads a resource. params holds any {name} template
// captures extracted from the request URI.
type ResourceHandler func(ctx context.Context, uri string, params map[string]string) (any, error)

// ResourceDescriptor is the immutable metadata and handler for one
// registered resource or resource template.
type ResourceDescriptor struct {
	URI         string // exact URI, or a template containing {param} segments
	Name        string
	Description string
	MimeType    string
	Handler     ResourceHandler

	isTemplate bool
	matcher    *regexp.Regexp
	paramNames []string
}

// PromptHandler renders a prompt given its arguments.
type PromptHandler func(ctx context.Context, args map[string]string) (any, error)

// PromptDescriptor is the immutable metadata and handler for one registered
// prompt.
type PromptDescriptor struct {
	Name        string
	Description string
	Arguments   []PromptArgument
	Handler     PromptHandler
}

// PromptArgument describes one named argument a prompt accepts.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

var templateSegment = regexp.MustCompile(`\{([^{}]+)\}`)

// compileTemplate turns a URI template like "file:///{path}" into a regexp
// that captures each {segment} as exactly one path component (no slashes),
// matching spec.md §4.4's "single-segment {param} matching" rule.
func compileTemplate(uri string) (*regexp.Regexp, []string) {
	var names []string
	pattern := "^"
	last := 0
	for _, loc := range templateSegment.FindAllStringSubmatchIndex(uri, -1) {
		pattern += regexp.QuoteMeta(uri[last:loc[0]])
		names = append(names, uri[loc[2]:loc[3]])
		pattern += `([^/]+)`
		last = loc[1]
	}
	pattern += regexp.QuoteMeta(uri[last:]) + "$"
	return regexp.MustCompile(pattern), names
}

// Registry is the read-only-after-build handler table for one server
// instance. Build it with a Builder, then treat it as immutable: no
// registration methods exist on Registry itself, matching spec.md §4.4's
// "registrations are frozen once the server starts accepting connections".
type Registry struct {
	tools     map[string]*ToolDescriptor
	toolOrder []string

	resourcesExact map[string]*ResourceDescriptor
	resourceTpls   []*ResourceDescriptor

	prompts     map[string]*PromptDescriptor
	promptOrder []string
}

// Builder accumulates descriptors before Build freezes them into a
// Registry. Its methods serialize on an internal mutex, so concurrent calls
// are safe; tool and prompt listing order follows call order.
type Builder struct {
	mu        sync.Mutex
	tools     map[string]*ToolDescriptor
	toolOrder []string

	resourcesExact map[string]*ResourceDescriptor
	resourceTpls   []*ResourceDescriptor

	prompts     map[string]*PromptDescriptor
	promptOrder []string

	err error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		tools:          make(map[string]*ToolDescriptor),
		resourcesExact: make(map[string]*ResourceDescriptor),
		prompts:        make(map[string]*PromptDescriptor),
	}
}

// Tool registers a tool. Duplicate names are recorded as a build error
// surfaced from Build, rather than panicking mid-registration.
func (b *Builder) Tool(d ToolDescriptor) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b
	}
	if _, exists := b.tools[d.Name]; exists {
		b.err = fmt.Errorf("registry: duplicate tool %q", d.Name)
		return b
	}
	if d.InputSchema != nil {
		resolved, err := d.InputSchema.Resolve(nil)
		if err != nil {
			b.err = fmt.Errorf("registry: resolving schema for tool %q: %w", d.Name, err)
			return b
		}
		d.resolved = resolved
	}
	b.tools[d.Name] = &d
	b.toolOrder = append(b.toolOrder, d.Name)
	return b
}

// Resource registers a resource or, if uri contains {param} segments, a
// resource template.
func (b *Builder) Resource(d ResourceDescriptor) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b
	}
	if templateSegment.MatchString(d.URI) {
		d.isTemplate = true
		d.matcher, d.paramNames = compileTemplate(d.URI)
		b.resourceTpls = append(b.resourceTpls, &d)
		return b
	}
	if _, exists := b.resourcesExact[d.URI]; exists {
		b.err = fmt.Errorf("registry: duplicate resource %q", d.URI)
		return b
	}
	b.resourcesExact[d.URI] = &d
	return b
}

// Prompt registers a prompt.
func (b *Builder) Prompt(d PromptDescriptor) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b
	}
	if _, exists := b.prompts[d.Name]; exists {
		b.err = fmt.Errorf("registry: duplicate prompt %q", d.Name)
		return b
	}
	b.prompts[d.Name] = &d
	b.promptOrder = append(b.promptOrder, d.Name)
	return b
}

// Build freezes the accumulated descriptors into a Registry, or returns the
// first registration error encountered.
func (b *Builder) Build() (*Registry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return &Registry{
		tools:          b.tools,
		toolOrder:      append([]string(nil), b.toolOrder...),
		resourcesExact: b.resourcesExact,
		resourceTpls:   append([]*ResourceDescriptor(nil), b.resourceTpls...),
		prompts:        b.prompts,
		promptOrder:    append([]string(nil), b.promptOrder...),
	}, nil
}

// Tool looks up a tool by exact name.
func (r *Registry) Tool(name string) (*ToolDescriptor, bool) {
	d, ok := r.tools[name]
	return d, ok
}

// Tools returns every tool descriptor in registration order.
func (r *Registry) Tools() []*ToolDescriptor {
	out := make([]*ToolDescriptor, 0, len(r.toolOrder))
	for _, name := range r.toolOrder {
		out = append(out, r.tools[name])
	}
	return out
}

// ValidateArgs checks args against a tool's input schema, returning a
// descriptive error on mismatch so the caller can map it to a JSON-RPC
// InvalidParams response (spec.md §4.4).
func (d *ToolDescriptor) ValidateArgs(args map[string]any) error {
	if d.resolved == nil {
		return nil
	}
	return d.resolved.Validate(args)
}

// Resource resolves uri against the exact table first, then every
// registered template in registration order, per spec.md §4.4's "exact
// match wins over templates, first matching template wins".
func (r *Registry) Resource(uri string) (*ResourceDescriptor, map[string]string, bool) {
	if d, ok := r.resourcesExact[uri]; ok {
		return d, nil, true
	}
	for _, tpl := range r.resourceTpls {
		m := tpl.matcher.FindStringSubmatch(uri)
		if m == nil {
			continue
		}
		params := make(map[string]string, len(tpl.paramNames))
		for i, name := range tpl.paramNames {
			params[name] = m[i+1]
		}
		return tpl, params, true
	}
	return nil, nil, false
}

// Resources returns every exact resource, in no defined order (they are
// kept in a map), followed by every template in registration order.
func (r *Registry) Resources() []*ResourceDescriptor {
	out := make([]*ResourceDescriptor, 0, len(r.resourcesExact)+len(r.resourceTpls))
	for _, d := range r.resourcesExact {
		out = append(out, d)
	}
	out = append(out, r.resourceTpls...)
	return out
}

// ResourceTemplates returns every registered {param} resource template, in
// registration order, distinct from Resources' exact-plus-template mix.
func (r *Registry) ResourceTemplates() []*ResourceDescriptor {
	return append([]*ResourceDescriptor(nil), r.resourceTpls...)
}

// Prompt looks up a prompt by exact name.
func (r *Registry) Prompt(name string) (*PromptDescriptor, bool) {
	d, ok := r.prompts[name]
	return d, ok
}

// Prompts returns every prompt descriptor in registration order.
func (r *Registry) Prompts() []*PromptDescriptor {
	out := make([]*PromptDescriptor, 0, len(r.promptOrder))
	for _, name := range r.promptOrder {
		out = append(out, r.prompts[name])
	}
	return out
}

// IsTemplate reports whether d was registered via a {param} URI template.
func (d *ResourceDescriptor) IsTemplate() bool { return d.isTemplate }

// sanitizeURIForLog strips query parameters before a URI is logged, since
// resource URIs can embed credentials (e.g. a DSN-shaped custom scheme).
// Mirrors the redaction discipline in
// scrypster-memento/internal/connections/manager.go's sanitizeDSN.
func sanitizeURIForLog(uri string) string {
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		return uri[:i]
	}
	return uri
}
