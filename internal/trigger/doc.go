// Package trigger is the wake-up facility of the warmer: named one-shot and
// cron registrations that invoke registered actions.
//
// Registrations are keyed by (group, name). Creating a registration always
// removes any previous one under the same key first, so a key never fires
// twice for one arming. Every registration is written to a storage.JobStore
// before it is armed, and Start restores them after a restart (one-shot
// triggers that came due while the process was down fire immediately).
package trigger
