package addresses

import (
  "context"
  "errors"
  "fmt"
)

type StaticResolver struct {
  byName map[string]LightningAddress
}

func NewStaticResolver(list []LightningAddress) (*StaticResolver, error) {
  byName := make(map[string]LightningAddress, len(list))
  for _, addr := range list {
    if err := Validate(addr); err != nil {
      return nil, err
    }
    key := NormalizeName(addr.Name)
    if _, dup := byName[key]; dup {
      return nil, fmt.Errorf("duplicate lightning address %q", key)
    }
    byName[key] = addr
  }
  return &StaticResolver{byName: byName}, nil
}

func (r *StaticResolver) Resolve(ctx context.Context, name string) (LightningAddress, error) {
  addr, ok := r.byName[NormalizeName(name)]
  if !ok {
    return LightningAddress{}, ErrNotFound
  }
  return addr, nil
}

// Chain tries each resolver in order and returns the first hit.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, name string) (LightningAddress, error) {
  for _, r := range c {
    addr, err := r.Resolve(ctx, name)
    if err == nil {
      return addr, nil
    }
    if !errors.Is(err, ErrNotFound) {
      return LightningAddress{}, err
    }
  }
  return LightningAddress{}, ErrNotFound
}

// Directory resolves names and returns invoice snapshots with the signing
// key already chosen.
type Directory struct {
  resolver          Resolver
  defaultSigningKey string
}

func NewDirectory(resolver Resolver, defaultSigningKey string) *Directory {
  return &Directory{resolver: resolver, defaultSigningKey: defaultSigningKey}
}

func (d *Directory) Resolve(ctx context.Context, name string) (LightningAddress, error) {
  if NormalizeName(name) == "" {
    return LightningAddress{}, ErrNotFound
  }
  addr, err := d.resolver.Resolve(ctx, name)
  if err != nil {
    return LightningAddress{}, err
  }
  return Snapshot(addr, d.defaultSigningKey), nil
}
