// Package syncengine owns the in-memory order collections and keeps them
// consistent with the backend.
//
// Mutations apply to local state first and persist afterwards through a
// retry.Policy. While a persistence call is in flight its fields are pinned
// in a ledger.Ledger, so a concurrent reconciliation cannot clobber them.
// Reconciliation fetches the whole order table, overlays pinned fields,
// keeps client-only input buffers and replaces both collections in one step.
//
// Readers always see whole snapshots: every change publishes a fresh
// Snapshot through an atomic pointer and nothing in a published Snapshot is
// modified afterwards.
//
// Lifecycle:
//
//	e := syncengine.New(backend, syncengine.WithCache(store))
//	_ = e.Hydrate(ctx)   // cached list, possibly stale
//	_ = e.Reconcile(ctx) // fresh list
//	h := e.Start(ctx, syncengine.StartOptions{Feed: feed})
//	defer h.Stop()
package syncengine
