// Package runtime hosts one steward actor: its pebble store, its mailbox,
// and the components that share them.
//
// Every component takes its turns on the same mailbox, so the fleet
// scheduler, both saga executors and the outbox never observe each other
// mid-update. Remote calls happen between turns. Periodic work is driven by
// Jobs: the fleet job ticks on an interval and is kicked when upgrades are
// queued, and the outbox job runs only while notifications are pending.
//
// Example:
//
//	cfg := config.Default()
//	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//	_ = rt.AddPrize(ctx, "msg-1", []uint64{100, 50}, time.Now().Add(time.Hour))
//	out, err := rt.ClaimPrize(ctx, "msg-1", "alice")
package runtime
