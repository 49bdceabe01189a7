package workerchan

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/machinefabric/workerchan-go/config"
	"github.com/machinefabric/workerchan-go/wire"
)

// BindingDescriptor is one binding of a function.
type BindingDescriptor struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Direction string `json:"direction"`
	DataType  string `json:"dataType,omitempty"`
}

// FunctionDescriptor describes a function the host wants the worker to load.
type FunctionDescriptor struct {
	ID         string
	Name       string
	Directory  string
	ScriptFile string
	EntryPoint string
	Language   string
	Disabled   bool
	IsProxy    bool
	// LoadTimeout overrides the channel's function load timeout when longer.
	LoadTimeout time.Duration
	Bindings    []BindingDescriptor
	Properties  map[string]string
}

func (f FunctionDescriptor) loadRequest(managedDependencies bool) wire.FunctionLoadRequest {
	bindings := make(map[string]wire.Binding, len(f.Bindings))
	for _, b := range f.Bindings {
		bindings[b.Name] = wire.Binding{Type: b.Type, Direction: b.Direction, DataType: b.DataType}
	}
	return wire.FunctionLoadRequest{
		FunctionID: f.ID,
		Metadata: wire.FunctionMetadata{
			Name:       f.Name,
			Directory:  f.Directory,
			ScriptFile: f.ScriptFile,
			EntryPoint: f.EntryPoint,
			IsProxy:    f.IsProxy,
			Bindings:   bindings,
			Properties: f.Properties,
		},
		ManagedDependencyEnabled: managedDependencies,
	}
}

// FunctionsFromConfig converts configured functions, keeping their order.
func FunctionsFromConfig(fns []config.Function) []FunctionDescriptor {
	out := make([]FunctionDescriptor, 0, len(fns))
	for _, fn := range fns {
		d := FunctionDescriptor{
			ID:          fn.ID,
			Name:        fn.Name,
			Directory:   fn.Directory,
			ScriptFile:  fn.ScriptFile,
			EntryPoint:  fn.EntryPoint,
			Language:    fn.Language,
			Disabled:    fn.Disabled,
			IsProxy:     fn.IsProxy,
			LoadTimeout: fn.LoadTimeout.Duration,
			Properties:  fn.Properties,
		}
		for _, b := range fn.Bindings {
			d.Bindings = append(d.Bindings, BindingDescriptor{
				Name:      b.Name,
				Type:      b.Type,
				Direction: b.Direction,
				DataType:  b.DataType,
			})
		}
		out = append(out, d)
	}
	return out
}

// RawFunctionMetadata is one function as indexed by the worker.
type RawFunctionMetadata struct {
	FunctionID  string
	Name        string
	Directory   string
	ScriptFile  string
	EntryPoint  string
	Language    string
	Bindings    []BindingDescriptor
	RawBindings []string
	Properties  map[string]string
	Retry       *wire.RetryOptions
}

// Descriptor converts indexed metadata into a loadable function.
func (m RawFunctionMetadata) Descriptor() FunctionDescriptor {
	return FunctionDescriptor{
		ID:         m.FunctionID,
		Name:       m.Name,
		Directory:  m.Directory,
		ScriptFile: m.ScriptFile,
		EntryPoint: m.EntryPoint,
		Language:   m.Language,
		Bindings:   m.Bindings,
		Properties: m.Properties,
	}
}

// FunctionMetadataResult is the outcome of worker-side indexing.
type FunctionMetadataResult struct {
	Functions []RawFunctionMetadata
	// UseDefaultIndexing is set when the worker asks the host to index
	// functions itself.
	UseDefaultIndexing bool
	// Failures holds functions the worker could not index, by function id.
	Failures map[string]error
}

const bindingSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "type", "direction"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "direction": {"type": "string", "enum": ["in", "out", "inout"]},
    "dataType": {"type": "string"}
  }
}`

var (
	bindingSchemaOnce sync.Once
	bindingSchema     *gojsonschema.Schema
	bindingSchemaErr  error
)

func compiledBindingSchema() (*gojsonschema.Schema, error) {
	bindingSchemaOnce.Do(func() {
		bindingSchema, bindingSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(bindingSchemaJSON))
	})
	return bindingSchema, bindingSchemaErr
}

// ParseRawBinding validates a raw JSON binding reported by the worker and
// decodes it.
func ParseRawBinding(raw string) (BindingDescriptor, error) {
	schema, err := compiledBindingSchema()
	if err != nil {
		return BindingDescriptor{}, fmt.Errorf("binding schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return BindingDescriptor{}, fmt.Errorf("invalid binding JSON: %w", err)
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return BindingDescriptor{}, fmt.Errorf("invalid binding: %s", strings.Join(details, "; "))
	}
	var b BindingDescriptor
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return BindingDescriptor{}, fmt.Errorf("invalid binding JSON: %w", err)
	}
	return b, nil
}

// parseMetadataResponse turns the worker's index into metadata, separating
// out functions that failed to index.
func parseMetadataResponse(resp *wire.MetadataResponse, userCodeEnabled bool) (*FunctionMetadataResult, error) {
	if !resp.Result.IsSuccess() {
		return nil, &ChannelError{Type: ErrorTypeMetadata, Message: "worker indexing failed", Err: workerError(resp.Result, userCodeEnabled)}
	}
	out := &FunctionMetadataResult{
		UseDefaultIndexing: resp.UseDefaultMetadataIndexing,
		Failures:           make(map[string]error),
	}
	if out.UseDefaultIndexing {
		return out, nil
	}

	for _, fn := range resp.Functions {
		if !fn.Status.IsSuccess() {
			out.Failures[fn.FunctionID] = &ChannelError{
				Type:    ErrorTypeMetadata,
				Message: fmt.Sprintf("function %s", fn.Name),
				Err:     workerError(fn.Status, userCodeEnabled),
			}
			continue
		}
		meta := RawFunctionMetadata{
			FunctionID:  fn.FunctionID,
			Name:        fn.Name,
			Directory:   fn.Directory,
			ScriptFile:  fn.ScriptFile,
			EntryPoint:  fn.EntryPoint,
			Language:    fn.Language,
			RawBindings: fn.RawBindings,
			Properties:  fn.Properties,
			Retry:       fn.Retry,
		}
		var bindErr error
		for i, raw := range fn.RawBindings {
			b, err := ParseRawBinding(raw)
			if err != nil {
				bindErr = fmt.Errorf("binding %d: %w", i, err)
				break
			}
			meta.Bindings = append(meta.Bindings, b)
		}
		if bindErr != nil {
			out.Failures[fn.FunctionID] = &ChannelError{
				Type:    ErrorTypeMetadata,
				Message: fmt.Sprintf("function %s", fn.Name),
				Err:     bindErr,
			}
			continue
		}
		out.Functions = append(out.Functions, meta)
	}
	return out, nil
}
