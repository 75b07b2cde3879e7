// Package warmer runs the cache warm-up cycle.
//
// A cycle is started by one of two triggers: the primary one-shot trigger,
// which every cycle re-arms for the earliest pending entry, and the backup
// cron trigger, which fires on a fixed rule regardless of the primary chain.
// Both run the same routine:
//
//	begin tx -> load queue -> (nothing due? commit)
//	         -> re-arm primary for now+1h
//	         -> drain due entries (execute as owner, advance, persist)
//	         -> re-arm primary for the new earliest entry -> commit
//
// The safety re-arm is persisted by the trigger service outside the cycle
// transaction, so a cycle that fails after it still leaves a wake-up pending
// at most one hour away.
package warmer
