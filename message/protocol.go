package message

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrInvalidSpecification   = errors.New("message: invalid specification")
	ErrDuplicateSpecification = errors.New("message: duplicate specification")
)

type operationKey struct {
	operation string
	typ       Type
}

// Protocol is a closed set of specifications. It is immutable after construction.
type Protocol struct {
	name       string
	version    string
	byID       map[string]*Specification
	byOp       map[operationKey]*Specification
	operations []string
}

// NewProtocol validates specs and indexes them by identifier and by (operation, type).
func NewProtocol(name, version string, specs ...*Specification) (*Protocol, error) {
	p := &Protocol{
		name:    name,
		version: version,
		byID:    make(map[string]*Specification, len(specs)),
		byOp:    make(map[operationKey]*Specification, len(specs)),
	}
	for _, spec := range specs {
		if err := p.add(spec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// MustProtocol is NewProtocol for statically declared protocols.
func MustProtocol(name, version string, specs ...*Specification) *Protocol {
	p, err := NewProtocol(name, version, specs...)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Protocol) add(spec *Specification) error {
	if spec == nil || spec.Identifier == "" || spec.Coder == nil {
		return fmt.Errorf("%w: %+v", ErrInvalidSpecification, spec)
	}
	if spec.Type > Notification {
		return fmt.Errorf("%w: %s has unknown type %d", ErrInvalidSpecification, spec.Identifier, spec.Type)
	}
	if _, dup := p.byID[spec.Identifier]; dup {
		return fmt.Errorf("%w: identifier %s", ErrDuplicateSpecification, spec.Identifier)
	}
	key := operationKey{operation: spec.Operation, typ: spec.Type}
	if spec.Operation != "" {
		if _, dup := p.byOp[key]; dup {
			return fmt.Errorf("%w: operation %s/%s", ErrDuplicateSpecification, spec.Operation, spec.Type)
		}
		if !slices.Contains(p.operations, spec.Operation) {
			p.operations = append(p.operations, spec.Operation)
		}
		p.byOp[key] = spec
	}
	p.byID[spec.Identifier] = spec
	return nil
}

// Merge returns a new protocol holding the specifications of p and others.
// The result keeps p's name and version.
func (p *Protocol) Merge(others ...*Protocol) (*Protocol, error) {
	specs := p.Specifications()
	for _, o := range others {
		specs = append(specs, o.Specifications()...)
	}
	return NewProtocol(p.name, p.version, specs...)
}

func (p *Protocol) Name() string    { return p.name }
func (p *Protocol) Version() string { return p.version }

// Tag is the protocol/version string carried in message metadata.
func (p *Protocol) Tag() string {
	return p.name + "/" + p.version
}

// Lookup finds a specification by identifier.
func (p *Protocol) Lookup(identifier string) (*Specification, bool) {
	spec, ok := p.byID[identifier]
	return spec, ok
}

// ForOperation finds the specification of typ for operation.
func (p *Protocol) ForOperation(operation string, typ Type) (*Specification, bool) {
	spec, ok := p.byOp[operationKey{operation: operation, typ: typ}]
	return spec, ok
}

// Operations lists operation identifiers in declaration order.
func (p *Protocol) Operations() []string {
	return append([]string(nil), p.operations...)
}

// Specifications lists every specification, ordered by identifier.
func (p *Protocol) Specifications() []*Specification {
	out := make([]*Specification, 0, len(p.byID))
	for _, spec := range p.byID {
		out = append(out, spec)
	}
	slices.SortFunc(out, func(a, b *Specification) int {
		return strings.Compare(a.Identifier, b.Identifier)
	})
	return out
}
