package eventizer

import (
	"context"
	"sort"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
)

// Item is one raw element fetched from a datasource: a commit, an issue, a
// review. Items marked Skipped fall outside the requested window; they are
// tallied but never eventized.
type Item struct {
	UUID      string
	Origin    string
	Category  string
	UpdatedOn time.Time
	Offset    any
	Data      map[string]any
	Skipped   bool

	// commit carries the typed payload for items produced by the git
	// backend, sparing Eventize a round trip through Data.
	commit *gitCommit
}

// ItemIterator walks the items of one fetch in datasource order. The usual
// loop mirrors sql.Rows: Next, Item, then Err once Next returns false.
type ItemIterator interface {
	// Next advances to the following item, reporting false when the run is
	// exhausted or failed.
	Next() bool
	// Item returns the current item. Only valid after a true Next.
	Item() *Item
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases the resources held by the iterator. Safe to call more
	// than once.
	Close() error
}

// Backend fetches raw items from one kind of datasource and knows how to
// turn each of them into stream events.
type Backend interface {
	// Fetch starts a run over the datasource described by args. Argument
	// names are backend-specific; unknown arguments are ignored.
	Fetch(ctx context.Context, category string, args map[string]any) (ItemIterator, error)
	// Eventize converts one fetched item into its events, in publication
	// order.
	Eventize(item *Item) ([]*model.Event, error)
}

var backendFactories = map[string]func() Backend{
	"git": func() Backend { return &GitBackend{} },
}

// NewBackend returns a fresh backend instance for a datasource type.
func NewBackend(name string) (Backend, error) {
	factory, ok := backendFactories[name]
	if !ok {
		return nil, apperrors.BackendNotFound(name)
	}
	return factory(), nil
}

// BackendNames lists the supported datasource types in sorted order.
func BackendNames() []string {
	names := make([]string, 0, len(backendFactories))
	for name := range backendFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func timeArg(args map[string]any, key string) (*time.Time, error) {
	raw := stringArg(args, key)
	if raw == "" {
		return nil, nil
	}
	t, err := model.ParseTimestamp(raw)
	if err != nil {
		return nil, apperrors.Validationf("argument %q is not a timestamp: %v", key, err)
	}
	return &t, nil
}
