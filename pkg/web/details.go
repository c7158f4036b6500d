package web

import (
	"strings"

	"github.com/wirl-dev/wirlflow/pkg/checkpoint"
)

// buildRunDetails reconstructs the execution trace from the checkpoint
// sequence: one step per task, with the channel state before and the changes
// after.
func buildRunDetails(runID string, snapshots []*checkpoint.Snapshot) RunDetails {
	details := RunDetails{RunID: runID, InitialState: map[string]any{}, Steps: []RunStep{}}

	if len(snapshots) == 0 {
		return details
	}

	current := map[string]any{}

	for _, snapshot := range snapshots {
		if snapshot.Superstep == 0 {
			current = filterState(snapshot.Channels)
			details.InitialState = current

			continue
		}

		if len(details.InitialState) == 0 && len(details.Steps) == 0 {
			details.InitialState = filterState(snapshot.Channels)
		}

		for _, group := range groupWrites(snapshot.Writes) {
			step := RunStep{
				Step:        snapshot.Superstep,
				Node:        nodeFromTaskID(group.taskID),
				TaskID:      group.taskID,
				Timestamp:   snapshot.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
				InputState:  current,
				OutputState: map[string]any{},
				Branches:    []string{},
				Writes:      []RunWrite{},
			}

			next := cloneState(current)

			for _, write := range group.writes {
				kind := classifyChannel(write.Channel)
				step.Writes = append(step.Writes, RunWrite{Kind: kind, Channel: write.Channel, Value: write.Value})

				switch kind {
				case "branch":
					step.Branches = append(step.Branches, strings.TrimPrefix(write.Channel, checkpoint.BranchPrefix))
				case "state":
					next[write.Channel] = write.Value
					step.OutputState[write.Channel] = write.Value
				}
			}

			current = next
			details.Steps = append(details.Steps, step)
		}

		// The snapshot's own channel map is authoritative after the
		// superstep.
		current = filterState(snapshot.Channels)
	}

	return details
}

type writeGroup struct {
	taskID string
	writes []checkpoint.Write
}

// groupWrites batches consecutive writes sharing a task id.
func groupWrites(writes []checkpoint.Write) []writeGroup {
	var groups []writeGroup

	for _, write := range writes {
		if len(groups) == 0 || groups[len(groups)-1].taskID != write.TaskID {
			groups = append(groups, writeGroup{taskID: write.TaskID})
		}

		last := &groups[len(groups)-1]
		last.writes = append(last.writes, write)
	}

	return groups
}

// nodeFromTaskID strips the superstep prefix of a "superstep:node" task id.
func nodeFromTaskID(taskID string) string {
	if _, node, ok := strings.Cut(taskID, ":"); ok {
		return node
	}

	return taskID
}

func classifyChannel(channel string) string {
	switch {
	case strings.HasPrefix(channel, "branch:"):
		return "branch"
	case strings.HasPrefix(channel, checkpoint.SystemPrefix):
		return "system"
	default:
		return "state"
	}
}

// filterState hides branch and system channels from state views.
func filterState(channels map[string]any) map[string]any {
	out := make(map[string]any, len(channels))

	for channel, value := range channels {
		if classifyChannel(channel) != "state" {
			continue
		}

		out[channel] = value
	}

	return out
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for key, value := range state {
		out[key] = value
	}

	return out
}
