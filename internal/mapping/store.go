package mapping

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current catalog versions behind atomic pointers.
// Readers grab a consistent snapshot per job; Watch swaps in new
// versions when the catalog files change on disk.
type Store struct {
	catalogPath string
	rulesPath   string
	catalog     atomic.Pointer[Catalog]
	rules       atomic.Pointer[RuleCatalog]
}

// NewStore loads both catalogs and returns a store holding them.
func NewStore(catalogPath, rulesPath string) (*Store, error) {
	s := &Store{catalogPath: catalogPath, rulesPath: rulesPath}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps pre-built catalogs (tests, dev mode).
func NewStaticStore(cat *Catalog, rules *RuleCatalog) *Store {
	s := &Store{}
	s.catalog.Store(cat)
	s.rules.Store(rules)
	return s
}

// Catalog returns the current field-mapping catalog.
func (s *Store) Catalog() *Catalog { return s.catalog.Load() }

// Rules returns the current resolution-rule catalog.
func (s *Store) Rules() *RuleCatalog { return s.rules.Load() }

// Reload parses both files and swaps them in. A parse failure leaves
// the previous versions in place.
func (s *Store) Reload() error {
	cat, err := LoadCatalog(s.catalogPath)
	if err != nil {
		return err
	}
	rules, err := LoadRules(s.rulesPath)
	if err != nil {
		return err
	}
	s.catalog.Store(cat)
	s.rules.Store(rules)
	return nil
}

// Watch reloads the catalogs when either file changes. Editors often
// write via rename, so the paths are re-added after each event. Blocks
// until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, p := range []string{s.catalogPath, s.rulesPath} {
		if err := watcher.Add(p); err != nil {
			return err
		}
	}

	// Debounce: editors fire several events per save.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(250 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("mapping: watch error: %v", err)
		case <-pending:
			pending = nil
			if err := s.Reload(); err != nil {
				log.Printf("mapping: reload failed, keeping previous catalogs: %v", err)
			} else {
				log.Printf("mapping: catalogs reloaded")
			}
			for _, p := range []string{s.catalogPath, s.rulesPath} {
				_ = watcher.Add(p)
			}
		}
	}
}
