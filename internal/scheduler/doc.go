// Package scheduler owns the in-process timer registry.
//
// One reminder has at most one outstanding timer. Arm() upserts, Disarm()
// cancels, and a per-id claim guarantees that exactly one of {fire,
// cancel} wins a race. Due reminders are handed off to a worker pool, so
// a blocking delivery never stalls the timer-management path.
//
// The timer set is a derived cache: it is rebuilt from the store on every
// startup and a periodic sweep re-scans the store for due-but-unarmed
// reminders as a safety net.
package scheduler
