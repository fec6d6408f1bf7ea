// Package store is the client's local durable cache.
//
// It mirrors the sync engine's last published snapshot (active orders, trash
// and the order-number high-water mark) so a restarted client can show its
// tabs before the first round trip to the backend. It also keeps the daily
// sales summaries computed by package daily.
//
// The cache is never authoritative. Reconciliation with the backend replaces
// whatever was loaded from here.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
