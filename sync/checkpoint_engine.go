// checkpoint_engine.go implements the owner's compaction scheme. Accepted
// events accumulate in the in-memory rolling state (deduplicated by path)
// and are uploaded eagerly; at the checkpoint threshold the rolling state
// becomes an incremental checkpoint; at the compacting threshold the full
// checkpoint and all incrementals fold into a new full checkpoint. Each
// layer is deleted only after the next layer is durable.
package sync

import (
	"context"

	"github.com/pkg/errors"

	"github.com/openmined/syftsync/syftmsg"
)

// Checkpoint engine errors.
var (
	ErrNoRollingState = errors.New("sync: no rolling state to checkpoint")
	ErrNoIncrementals = errors.New("sync: no incremental checkpoints to compact")
)

// RollingState exposes the in-memory rolling state, primarily for tests.
func (s *OwnerSyncer) RollingState() *syftmsg.RollingState {
	return s.rolling
}

// addEventsToRollingState buffers a message's events and uploads the
// rolling state once the upload threshold is reached.
func (s *OwnerSyncer) addEventsToRollingState(ctx context.Context, msg *syftmsg.AcceptedEventsMessage) error {
	if s.rolling == nil {
		return nil
	}
	s.rolling.AddEventsMessage(msg)
	s.eventsSinceRollingUpload += len(msg.Events)
	if s.eventsSinceRollingUpload >= s.rollingUploadThreshold {
		return s.uploadRollingState(ctx)
	}
	return nil
}

// uploadRollingState pushes the in-memory rolling state to the backend.
func (s *OwnerSyncer) uploadRollingState(ctx context.Context) error {
	if s.rolling == nil || s.rolling.EventCount() == 0 {
		return nil
	}
	if _, err := s.router.UploadRollingState(ctx, s.rolling); err != nil {
		return errors.Wrap(err, "upload rolling state")
	}
	s.eventsSinceRollingUpload = 0
	s.metrics.CheckpointsCreated.WithLabelValues("rolling").Inc()
	return nil
}

// ShouldCreateCheckpoint reports whether the rolling state has grown past
// the incremental-checkpoint threshold.
func (s *OwnerSyncer) ShouldCreateCheckpoint() bool {
	return s.rolling != nil && s.rolling.EventCount() >= s.checkpointThreshold
}

// CreateIncrementalCheckpoint converts the rolling state into the next
// incremental checkpoint, uploads it, deletes the rolling-state object, and
// resets the in-memory buffer. The rolling state is already deduplicated by
// path, so its events are the checkpoint's events.
func (s *OwnerSyncer) CreateIncrementalCheckpoint(ctx context.Context) (*syftmsg.IncrementalCheckpoint, error) {
	if s.rolling == nil || s.rolling.EventCount() == 0 {
		return nil, ErrNoRollingState
	}

	seq, err := s.router.NextIncrementalSequenceNumber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "next incremental sequence")
	}

	events := make([]*syftmsg.FileChangeEvent, len(s.rolling.Events))
	copy(events, s.rolling.Events)
	inc := syftmsg.NewIncrementalCheckpoint(s.email, seq, events)

	ownerLog.WithField("seq", seq).WithField("events", inc.EventCount()).
		Info("creating incremental checkpoint")
	if _, err := s.router.UploadIncrementalCheckpoint(ctx, inc); err != nil {
		return nil, errors.Wrap(err, "upload incremental checkpoint")
	}

	// The rolling state is only redundant once the incremental is durable.
	if err := s.router.DeleteRollingState(ctx); err != nil {
		return nil, errors.Wrap(err, "delete rolling state")
	}
	base := inc.Timestamp
	if s.rolling.LastEventTimestamp != nil {
		base = *s.rolling.LastEventTimestamp
	}
	s.rolling = syftmsg.NewRollingState(s.email, base)
	s.eventsSinceRollingUpload = 0
	s.metrics.CheckpointsCreated.WithLabelValues("incremental").Inc()

	return inc, nil
}

// CreateCheckpoint snapshots the full cache state into a checkpoint,
// uploads it, and resets the rolling state. Manual path; the steady-state
// flow goes through incrementals and compaction.
func (s *OwnerSyncer) CreateCheckpoint(ctx context.Context) (*syftmsg.Checkpoint, error) {
	var last *float64
	if ts := s.cache.LatestCachedTimestamp(); ts > 0 {
		last = &ts
	} else if s.rolling != nil && s.rolling.LastEventTimestamp != nil {
		last = s.rolling.LastEventTimestamp
	}

	ckpt, err := s.cache.CreateCheckpoint(last)
	if err != nil {
		return nil, err
	}
	ownerLog.WithField("files", len(ckpt.Files)).Info("creating full checkpoint")
	if _, err := s.router.UploadCheckpoint(ctx, ckpt); err != nil {
		return nil, errors.Wrap(err, "upload checkpoint")
	}

	if err := s.router.DeleteRollingState(ctx); err != nil {
		return nil, errors.Wrap(err, "delete rolling state")
	}
	base := ckpt.Timestamp
	if last != nil {
		base = *last
	}
	s.rolling = syftmsg.NewRollingState(s.email, base)
	s.eventsSinceRollingUpload = 0
	s.metrics.CheckpointsCreated.WithLabelValues("full").Inc()

	return ckpt, nil
}

// ShouldCompactCheckpoints reports whether enough incrementals exist to
// compact.
func (s *OwnerSyncer) ShouldCompactCheckpoints(ctx context.Context) (bool, error) {
	count, err := s.router.IncrementalCheckpointCount(ctx)
	if err != nil {
		return false, errors.Wrap(err, "count incremental checkpoints")
	}
	return count >= s.compactingThreshold, nil
}

// CompactCheckpoints folds the existing full checkpoint (if any) and every
// incremental into a new full checkpoint, then deletes the incrementals.
// Later sequence numbers win per path; deletions leave the result.
func (s *OwnerSyncer) CompactCheckpoints(ctx context.Context) (*syftmsg.Checkpoint, error) {
	existing, err := s.router.LatestCheckpoint(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load existing checkpoint")
	}
	incrementals, err := s.router.IncrementalCheckpoints(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load incremental checkpoints")
	}
	if len(incrementals) == 0 {
		return nil, ErrNoIncrementals
	}

	ownerLog.WithField("incrementals", len(incrementals)).Info("compacting checkpoints")
	compacted := syftmsg.CompactCheckpoints(s.email, existing, incrementals)

	if _, err := s.router.UploadCheckpoint(ctx, compacted); err != nil {
		return nil, errors.Wrap(err, "upload compacted checkpoint")
	}
	// Incrementals are only redundant once the compacted checkpoint is
	// durable.
	if err := s.router.DeleteAllIncrementalCheckpoints(ctx); err != nil {
		return nil, errors.Wrap(err, "delete incremental checkpoints")
	}
	s.metrics.Compactions.Inc()
	s.metrics.CheckpointsCreated.WithLabelValues("full").Inc()

	return compacted, nil
}
