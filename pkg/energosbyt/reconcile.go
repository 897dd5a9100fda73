package energosbyt

// Reconcile merges a freshly fetched list into a keyed collection of wrappers
// while keeping wrapper identity stable. Wrappers whose key is still present
// are passed to update with the new value, new keys are wrapped with wrap, and
// keys that disappeared are returned in removed. The old map is not modified.
func Reconcile[K comparable, V any, W any](
	old map[K]W,
	fresh []V,
	key func(V) K,
	wrap func(V) W,
	update func(W, V),
) (next map[K]W, removed []K) {
	next = make(map[K]W, len(fresh))
	for _, v := range fresh {
		k := key(v)
		if w, ok := next[k]; ok {
			// duplicate key in the fresh list, last one wins
			update(w, v)
			continue
		}
		if w, ok := old[k]; ok {
			update(w, v)
			next[k] = w
			continue
		}
		next[k] = wrap(v)
	}
	for k := range old {
		if _, ok := next[k]; !ok {
			removed = append(removed, k)
		}
	}
	return next, removed
}
