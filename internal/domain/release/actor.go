package release

// Actor identifies the machine and user an update runs for.
type Actor struct {
	// Hostname is the machine name.
	Hostname string
	// Username is the system user running the updater.
	Username string
}

// Clone returns a copy of the actor.
func (a *Actor) Clone() *Actor {
	if a == nil {
		return nil
	}

	cloned := *a

	return &cloned
}
