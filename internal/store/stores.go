package store

// Stores is the top-level container for the hub's storage backends.
type Stores struct {
	Routes    RouteStore
	Lifecycle LifecycleStore
}
