package passledger

import "fmt"

// requireOwner gates owner-only operations with a pure comparison against
// the singleton Config.
func requireOwner(cfg Config, caller Identity) error {
	if caller != cfg.Owner {
		return fmt.Errorf("%w: caller %s", ErrNotOwner, caller)
	}
	return nil
}

// requireBootstrapped resolves the Config or fails when Bootstrap has not
// run yet.
func requireBootstrapped(found bool) error {
	if !found {
		return ErrNotBootstrapped
	}
	return nil
}
