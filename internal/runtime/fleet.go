package runtime

import (
	"context"

	"github.com/rzbill/steward/internal/actor"
	"github.com/rzbill/steward/internal/fleet"
)

// Registry writes run in turns so they never interleave with the
// scheduler's read-modify-write of the same record.

// JoinWorker registers a worker with the fleet and queues it if it is
// behind the fleet target.
func (r *Runtime) JoinWorker(ctx context.Context, id string, current fleet.Version) (fleet.WorkerRecord, error) {
	rec, err := actor.Do(ctx, r.mailbox, func() (fleet.WorkerRecord, error) {
		return r.state.Registry.Join(ctx, id, current, r.clock.Now())
	})
	if err != nil {
		return fleet.WorkerRecord{}, err
	}
	if !rec.UpToDate() {
		if err := r.state.Fleet.Enqueue(ctx, id, false); err != nil {
			return rec, err
		}
		r.fleetJob.Kick()
	}
	return rec, nil
}

// LeaveWorker removes a worker and its queued upgrade. A slot held by a
// marker restored after a restart is released.
func (r *Runtime) LeaveWorker(ctx context.Context, id string) error {
	return r.state.Fleet.Remove(ctx, id)
}

// ResolveUpgrade settles a stuck in-progress marker as failed or skipped.
func (r *Runtime) ResolveUpgrade(ctx context.Context, id string, res fleet.Resolution, reason string) error {
	return r.state.Fleet.Resolve(ctx, id, res, reason)
}

// SetFleetTarget retargets the fleet and queues every stale worker.
func (r *Runtime) SetFleetTarget(ctx context.Context, v fleet.Version) ([]string, error) {
	stale, err := actor.Do(ctx, r.mailbox, func() ([]string, error) {
		return r.state.Registry.SetTarget(ctx, v, r.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	for _, id := range stale {
		if err := r.state.Fleet.Enqueue(ctx, id, false); err != nil {
			return stale, err
		}
	}
	if len(stale) > 0 {
		r.fleetJob.Kick()
	}
	return stale, nil
}

// EnqueueUpgrade queues one worker, forcing a reinstall if force is set.
func (r *Runtime) EnqueueUpgrade(ctx context.Context, id string, force bool) error {
	if err := r.state.Fleet.Enqueue(ctx, id, force); err != nil {
		return err
	}
	r.fleetJob.Kick()
	return nil
}

// TickFleet runs one scheduling cycle now.
func (r *Runtime) TickFleet(ctx context.Context) (fleet.TickResult, error) {
	return r.state.Fleet.Tick(ctx)
}

// FleetStatus returns scheduler counters and queue membership.
func (r *Runtime) FleetStatus(ctx context.Context) (fleet.Status, error) {
	return r.state.Fleet.Status(ctx)
}

// Workers lists the fleet's workers.
func (r *Runtime) Workers() ([]fleet.WorkerRecord, error) {
	return r.state.Registry.List()
}

// Worker returns one worker record.
func (r *Runtime) Worker(id string) (fleet.WorkerRecord, error) {
	return r.state.Registry.Get(id)
}

// PutBinary stores the binary for version v of this fleet's kind.
func (r *Runtime) PutBinary(ctx context.Context, v fleet.Version, data []byte) (fleet.Digest, error) {
	return r.state.Binaries.Put(ctx, r.config.Fleet.Kind, v, data, r.clock.Now())
}

// BinaryInfo describes the stored binary for version v.
func (r *Runtime) BinaryInfo(v fleet.Version) (fleet.BinaryInfo, error) {
	return r.state.Binaries.Info(r.config.Fleet.Kind, v)
}
