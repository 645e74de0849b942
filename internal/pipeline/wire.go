package pipeline

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/nanotube/pipeliner/internal/bus"
	"github.com/nanotube/pipeliner/internal/ir"
)

// channelDepth is the default SPSC channel depth in bus words, chosen
// to absorb one stage's worth of jitter between the slowest and
// fastest neighboring stages.
const channelDepth = 140

// WireStages connects the synthesized stage functions with SPSC
// channels, allocates one nanotube-context per stage, registers one
// tap client per user map access, and spawns one thread per stage.
func WireStages(f *ir.Function, r *Result, geom bus.Geometry) {
	n := len(r.Stages)
	if n == 0 {
		return
	}

	for i, st := range r.Stages {
		from, to := i, i+1
		if i == 0 {
			from = -1
		}
		if i == n-1 {
			to = -1
		}
		r.Channels = append(r.Channels, ChannelSpec{
			Name:       fmt.Sprintf("pkt_%d_%d", from, to),
			Kind:       ChannelPacket,
			WidthBytes: geom.WordBytes,
			Depth:      channelDepth,
			From:       from,
			To:         to,
		})

		if i+1 < n {
			nxt := r.Stages[i+1]
			if len(st.LiveOutVals) > 0 || len(st.LiveOutLocs) > 0 {
				r.Channels = append(r.Channels, ChannelSpec{
					Name:       fmt.Sprintf("state_%d_%d", i, i+1),
					Kind:       ChannelState,
					WidthBytes: stateRecordSize(st.LiveOutVals, st.LiveOutLocs),
					Depth:      channelDepth,
					From:       i,
					To:         i + 1,
				})
			}
			if st.SplitKind == SplitResizeIngress && nxt.SplitKind == SplitResizeEgress {
				r.Channels = append(r.Channels, ChannelSpec{
					Name:       fmt.Sprintf("cword_%d_%d", i, i+1),
					Kind:       ChannelCword,
					WidthBytes: 4,
					Depth:      channelDepth,
					From:       i,
					To:         i + 1,
				})
			}
		}

		r.Threads = append(r.Threads, ThreadSpec{
			StageIndex: i,
			Context:    uuid.NewString(),
		})
	}

	r.Taps = wireTaps(r.Stages)
}

// wireTaps pairs every map_op_receive stage with the nearest preceding
// stage that issued the matching request. The kernel's
// map_id argument isn't resolved to a constant by this pass, so every
// receive stage is registered against its immediately preceding stage
// as the request side; a kernel issuing interleaved requests against
// more than one map concurrently needs per-call map-id tracking this
// pass does not attempt.
func wireTaps(stages []*Stage) []TapClient {
	var taps []TapClient
	for i, st := range stages {
		if st.SplitKind != SplitMapOpReceive || i == 0 {
			continue
		}
		taps = append(taps, TapClient{
			MapID:         int64(len(taps)),
			RequestStage:  i - 1,
			ResponseStage: i,
		})
	}
	return taps
}
