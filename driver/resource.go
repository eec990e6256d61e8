package driver

import (
	"context"
	"sort"

	"github.com/lithammer/shortuuid/v4"

	"cloudlet-rpc/message"
	"cloudlet-rpc/operation"
	"cloudlet-rpc/session"
)

// ResourceHooks lets a driver implementation prepare and tear down acquired resources.
// Acquire may fill in desc.Config; an error aborts the acquisition.
type ResourceHooks interface {
	Acquire(ctx context.Context, spec operation.ResourceSpec, desc *operation.ResourceDescriptor) error
	Release(ctx context.Context, desc operation.ResourceDescriptor) error
}

// Resource returns an acquired resource by id.
func (d *Driver) Resource(id string) (operation.ResourceDescriptor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc, ok := d.acquired[id]
	return desc, ok
}

// Resources lists acquired resources ordered by name.
func (d *Driver) Resources() []operation.ResourceDescriptor {
	d.mu.Lock()
	out := make([]operation.ResourceDescriptor, 0, len(d.acquired))
	for _, desc := range d.acquired {
		out = append(out, desc)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// handleAcquire is idempotent per (kind, name): acquiring an existing resource returns
// its descriptor.
func (d *Driver) handleAcquire(ctx context.Context, req *message.Message) *message.Outcome {
	spec, err := Payload[operation.ResourceSpec](req.Payload)
	if err != nil {
		return message.Failure(err)
	}
	if spec.Name == "" {
		return message.Failure(Errorf(session.KindHandler, "driver: resource name required"))
	}
	if spec.Kind == "" {
		spec.Kind = d.cfg.Kind
	}

	d.mu.Lock()
	for _, desc := range d.acquired {
		if desc.Kind == spec.Kind && desc.Name == spec.Name {
			d.mu.Unlock()
			return message.Success(desc)
		}
	}
	desc := operation.ResourceDescriptor{
		ID:        shortuuid.New(),
		Kind:      spec.Kind,
		Name:      spec.Name,
		Driver:    d.cfg.Kind,
		Address:   d.advertise,
		Transport: d.cfg.Transport,
		Config:    spec.Config,
	}
	d.mu.Unlock()

	if d.resources != nil {
		if err := d.resources.Acquire(ctx, spec, &desc); err != nil {
			return message.Failure(err)
		}
	}

	d.mu.Lock()
	d.acquired[desc.ID] = desc
	d.mu.Unlock()
	d.logger.WithField("resource", desc.ID).WithField("name", desc.Name).Info("resource acquired")
	return message.Success(desc)
}

func (d *Driver) handleRelease(ctx context.Context, req *message.Message) *message.Outcome {
	ref, err := Payload[operation.ResourceDescriptor](req.Payload)
	if err != nil {
		return message.Failure(err)
	}
	desc, ok := d.Resource(ref.ID)
	if !ok {
		return message.Failure(Errorf(session.KindNotFound, "driver: no resource %q", ref.ID))
	}
	if d.resources != nil {
		if err := d.resources.Release(ctx, desc); err != nil {
			return message.Failure(err)
		}
	}
	d.mu.Lock()
	delete(d.acquired, desc.ID)
	d.mu.Unlock()
	d.logger.WithField("resource", desc.ID).Info("resource released")
	return message.Success(struct{}{})
}
