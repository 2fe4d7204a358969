package identity

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type lookupFn func(ctx context.Context) (*UserRecord, error)

// LookupAny resolves a ticket against f by every identifier it carries.
// Lookups run concurrently; the winner is picked by priority
// id > API key > email > provider ids, so a stale ticket still resolves to
// the account its stable identifiers name.
func LookupAny(ctx context.Context, f Finder, ticket *UserRecord) (*UserRecord, error) {
	if ticket == nil {
		return nil, ErrRecordNotFound
	}

	var lookups []lookupFn
	if ticket.ID != "" {
		lookups = append(lookups, func(ctx context.Context) (*UserRecord, error) {
			return f.GetByID(ctx, ticket.ID)
		})
	}
	if ticket.APIKey != "" {
		lookups = append(lookups, func(ctx context.Context) (*UserRecord, error) {
			return f.GetByAPIKey(ctx, ticket.APIKey)
		})
	}
	if email := NormalizeEmail(ticket.Email()); email != "" {
		lookups = append(lookups, func(ctx context.Context) (*UserRecord, error) {
			return f.GetByEmail(ctx, email)
		})
	}
	for _, p := range Providers {
		link := ticket.Link(p)
		if link == nil || link.ID == "" {
			continue
		}
		lookups = append(lookups, func(ctx context.Context) (*UserRecord, error) {
			return f.GetByProviderID(ctx, p, link.ID)
		})
	}
	if len(lookups) == 0 {
		return nil, ErrRecordNotFound
	}

	results := make([]*UserRecord, len(lookups))
	g, gctx := errgroup.WithContext(ctx)
	for i, run := range lookups {
		g.Go(func() error {
			rec, err := run(gctx)
			if err != nil {
				if IsNotFound(err) {
					return nil
				}
				return err
			}
			results[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, rec := range results {
		if rec != nil {
			return rec, nil
		}
	}
	return nil, ErrRecordNotFound
}
