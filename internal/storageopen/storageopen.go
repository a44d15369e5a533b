// Package storageopen resolves a configured storage URL into a concrete
// storage.Log, kept separate from internal/storage itself so that package
// can stay free of its own implementations' import paths.
package storageopen

import (
	"fmt"
	"net/url"

	"github.com/rocketspeed-go/core/internal/storage"
	"github.com/rocketspeed-go/core/internal/storage/boltstore"
	"github.com/rocketspeed-go/core/internal/storage/memstore"
)

// Open constructs the storage substrate named by rawURL. Two schemes are
// supported out of the box: "memstore://" (volatile, for tests and
// single-process demos) and "bolt:///absolute/path/to/data/dir" (durable,
// backed by boltstore, which flocks the directory and keeps its database
// file inside it). This is the one seam the spec treats as an external
// collaborator (§6); production deployments are expected to implement Log
// against their own durable log service instead of relying on either of
// these.
func Open(rawURL string) (storage.Log, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("storageopen: parse URL %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "memstore", "":
		return memstore.New(), nil
	case "bolt":
		store, st := boltstore.Open(u.Path)
		if !st.OK() {
			return nil, fmt.Errorf("storageopen: open bolt store at %q: %v", u.Path, st)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("storageopen: unknown scheme %q in %q", u.Scheme, rawURL)
	}
}
