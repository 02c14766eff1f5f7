package identities

import (
	"context"
	"fmt"
	"sync"

	"github.com/chaoss/grimoirelab-core/internal/scheduler"
)

// Catalog resolves import backend argument lists from the identity
// service. The listing is fetched once and kept: import backends only
// change when the service is redeployed.
type Catalog struct {
	client *Client

	mu       sync.Mutex
	backends map[string][]string
}

var _ scheduler.BackendCatalog = (*Catalog)(nil)

// NewCatalog returns a catalog backed by the given client.
func NewCatalog(client *Client) *Catalog {
	return &Catalog{client: client}
}

// BackendArgs returns the arguments the named import backend accepts.
// Unknown backends yield an empty list, not an error.
func (c *Catalog) BackendArgs(ctx context.Context, name string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backends == nil {
		listing, err := c.client.ImportBackends(ctx)
		if err != nil {
			return nil, fmt.Errorf("list import backends: %w", err)
		}
		backends := make(map[string][]string, len(listing))
		for _, b := range listing {
			backends[b.Name] = b.Args
		}
		c.backends = backends
	}
	return c.backends[name], nil
}
