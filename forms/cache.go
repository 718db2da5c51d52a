package forms

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache holds stamped PDFs until they are submitted, keyed by transaction
// id. Entries expire so abandoned forms do not accumulate.
type Cache struct {
	entries *ttlcache.Cache[string, []byte]
	ttl     time.Duration
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: ttlcache.New[string, []byte](
			ttlcache.WithTTL[string, []byte](ttl),
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		),
		ttl: ttl,
	}
}

// TransactionID derives the cache key for an encounter's stamped form.
func TransactionID(encounterID string) string {
	return "pa-" + encounterID
}

func (c *Cache) Put(transactionID string, pdf []byte) {
	c.entries.Set(transactionID, pdf, c.ttl)
}

func (c *Cache) Get(transactionID string) ([]byte, bool) {
	item := c.entries.Get(transactionID)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *Cache) Delete(transactionID string) {
	c.entries.Delete(transactionID)
}
