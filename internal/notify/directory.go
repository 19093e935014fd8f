package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
)

// AccountDirectory resolves account ids to contact details.
// appointment.Repository satisfies it.
type AccountDirectory interface {
	GetAccountByID(ctx context.Context, id uuid.UUID) (*appointment.Account, error)
}

// CachedDirectory keeps recently resolved accounts in memory so a sweep that
// notifies many appointments of the same villager looks them up once.
type CachedDirectory struct {
	next  AccountDirectory
	cache *cache.Cache
}

func NewCachedDirectory(next AccountDirectory, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (d *CachedDirectory) GetAccountByID(ctx context.Context, id uuid.UUID) (*appointment.Account, error) {
	key := id.String()
	if v, ok := d.cache.Get(key); ok {
		return v.(*appointment.Account), nil
	}
	acc, err := d.next.GetAccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.cache.SetDefault(key, acc)
	return acc, nil
}
