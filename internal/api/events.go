package api

import (
	"time"

	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// streamedTopics are the bus topics bridged to WebSocket clients. The
// position.* and pnl.* topics stay internal; their state shows up in
// strategy:update frames instead.
var streamedTopics = []string{
	types.TopicStrategyUpdate,
	types.TopicStrategyProgress,
	types.TopicStrategyList,
	types.TopicStrategyDeleted,
}

// frameFromEvent mirrors a bus event onto the wire unchanged. The payloads
// already carry JSON tags; the frame only adds the type discriminator.
func frameFromEvent(ev types.Event) Frame {
	return Frame{
		Type:       ev.Topic,
		Timestamp:  ev.Timestamp,
		InstanceID: ev.InstanceID,
		Data:       ev.Data,
	}
}

// snapshotFrame packages the full instance list for a client that just
// connected and has no replay of earlier frames.
func snapshotFrame(instances []*types.InstanceRecord) Frame {
	return Frame{
		Type:      FrameSnapshot,
		Timestamp: time.Now(),
		Data:      SnapshotData{Instances: instances},
	}
}
