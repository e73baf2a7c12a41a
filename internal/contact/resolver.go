// Package contact resolves phone numbers to CRM contacts.
package contact

import (
	"context"
	"errors"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/crm"
	"github.com/dennisdiepolder/monti/comms/internal/metrics"
	"github.com/dennisdiepolder/monti/comms/internal/storage"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Status is the outcome of a resolution
type Status string

const (
	Resolved Status = "resolved"
	NotFound Status = "not_found"
	Degraded Status = "degraded"
)

// Resolution is never an error: a failing CRM yields Degraded with no
// contact data and the caller carries on without enrichment.
type Resolution struct {
	Status  Status
	Contact *types.Contact
	Cached  bool
}

// ContactStatus maps the resolution onto the interaction field
func (r Resolution) ContactStatus() types.ContactStatus {
	switch r.Status {
	case Resolved:
		return types.ContactResolved
	case NotFound:
		return types.ContactNotFound
	}
	return types.ContactDegraded
}

// Lookup is the CRM call the resolver depends on
type Lookup interface {
	LookupContact(ctx context.Context, address string) (*types.Contact, error)
}

// Cache is the local contact mirror
type Cache interface {
	GetContact(ctx context.Context, address string) (*types.Contact, error)
	SaveContact(ctx context.Context, contact *types.Contact) error
}

// Resolver looks up contacts with a bounded timeout and a lazily refreshed
// local cache. Concurrent lookups of one address share a single CRM call.
type Resolver struct {
	crm     Lookup
	cache   Cache
	timeout time.Duration
	ttl     time.Duration
	group   singleflight.Group
	logger  zerolog.Logger
	now     func() time.Time
}

// NewResolver creates a resolver
func NewResolver(lookup Lookup, cache Cache, timeout, ttl time.Duration, logger zerolog.Logger) *Resolver {
	return &Resolver{
		crm:     lookup,
		cache:   cache,
		timeout: timeout,
		ttl:     ttl,
		logger:  logger.With().Str("component", "contact_resolver").Logger(),
		now:     time.Now,
	}
}

// Resolve returns the contact for an address
func (r *Resolver) Resolve(ctx context.Context, address string) Resolution {
	if cached, err := r.cache.GetContact(ctx, address); err == nil {
		if r.now().Sub(cached.RefreshedAt) < r.ttl {
			metrics.Get().RecordContactLookup("cached")
			return Resolution{Status: Resolved, Contact: cached, Cached: true}
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn().Err(err).Str("address", address).Msg("contact cache read failed")
	}

	v, _, _ := r.group.Do(address, func() (interface{}, error) {
		return r.lookup(ctx, address), nil
	})
	res := v.(Resolution)
	metrics.Get().RecordContactLookup(string(res.Status))
	return res
}

func (r *Resolver) lookup(ctx context.Context, address string) Resolution {
	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	contact, err := r.crm.LookupContact(lookupCtx, address)
	switch {
	case errors.Is(err, crm.ErrContactNotFound):
		return Resolution{Status: NotFound}
	case err != nil:
		r.logger.Warn().Err(err).Str("address", address).Msg("contact lookup degraded")
		return Resolution{Status: Degraded}
	}

	contact.Address = address
	contact.RefreshedAt = r.now()
	if err := r.cache.SaveContact(ctx, contact); err != nil {
		r.logger.Warn().Err(err).Str("contact_id", contact.ID).Msg("contact cache write failed")
	}
	return Resolution{Status: Resolved, Contact: contact}
}
