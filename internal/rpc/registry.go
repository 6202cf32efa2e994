package rpc

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"fernwiki/app/internal/wiki"
)

// TypeTag is the advisory argument and return type vocabulary published for
// introspection. Tags document the call shape; actual argument validation is
// each handler's responsibility.
type TypeTag string

const (
	TagString TypeTag = "string"
	TagInt    TypeTag = "int"
	TagBool   TypeTag = "bool"
	TagStruct TypeTag = "struct"
	TagArray  TypeTag = "array"
	TagBase64 TypeTag = "base64"
	TagVoid   TypeTag = "void"
)

// Handler is an internal operation bound to one or more external names.
// Arguments arrive already deserialized.
type Handler func(ctx context.Context, caller wiki.Caller, args []any) (any, error)

// MethodDescriptor binds an externally callable name to an internal
// operation. FixedArgs are appended to the caller-supplied arguments before
// dispatch, which lets two names share one handler where one of them carries
// a fixed trailing argument (the unversioned variant of a versioned call).
type MethodDescriptor struct {
	Name      string
	Args      []TypeTag
	Return    TypeTag
	Handler   Handler
	FixedArgs []any
	Public    bool
	Doc       string
}

// Registry is the immutable catalog of callable operations, built once at
// startup.
type Registry struct {
	methods map[string]MethodDescriptor
}

// NewRegistry validates the catalog and builds the lookup table. Duplicate
// names and missing handlers are construction errors, not call-time faults.
func NewRegistry(descriptors []MethodDescriptor) (*Registry, error) {
	methods := make(map[string]MethodDescriptor, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Name == "" {
			return nil, eris.New("method descriptor has no name")
		}
		if descriptor.Handler == nil {
			return nil, eris.Errorf("method %s has no handler", descriptor.Name)
		}
		if _, exists := methods[descriptor.Name]; exists {
			return nil, eris.Errorf("method %s is registered twice", descriptor.Name)
		}
		methods[descriptor.Name] = descriptor
	}

	return &Registry{methods: methods}, nil
}

// Lookup resolves an external name, failing with an unknown-method fault.
func (r *Registry) Lookup(name string) (MethodDescriptor, error) {
	descriptor, ok := r.methods[name]
	if !ok {
		return MethodDescriptor{}, wiki.NewFault(wiki.KindUnknownMethod, "method %s does not exist", name)
	}
	return descriptor, nil
}

// Methods returns the catalog ordered by name, for introspection callers.
func (r *Registry) Methods() []MethodDescriptor {
	descriptors := make([]MethodDescriptor, 0, len(r.methods))
	for _, descriptor := range r.methods {
		descriptors = append(descriptors, descriptor)
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})
	return descriptors
}

// Call dispatches one invocation, appending the descriptor's fixed trailing
// arguments. Surplus caller arguments are rejected before the fixed ones are
// appended, so a caller cannot smuggle extra positions past a name whose
// trailing argument is fixed.
func (r *Registry) Call(ctx context.Context, caller wiki.Caller, name string, args []any) (any, error) {
	descriptor, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}

	if len(args) > len(descriptor.Args) {
		return nil, eris.Wrapf(ErrInvalidParams, "method %s takes at most %d arguments, got %d",
			name, len(descriptor.Args), len(args))
	}

	if len(descriptor.FixedArgs) > 0 {
		combined := make([]any, 0, len(args)+len(descriptor.FixedArgs))
		combined = append(combined, args...)
		combined = append(combined, descriptor.FixedArgs...)
		args = combined
	}

	return descriptor.Handler(ctx, caller, args)
}
