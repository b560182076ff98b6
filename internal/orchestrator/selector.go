package orchestrator

import "github.com/t77yq/agentpool/internal/model"

// Load returns the fraction of an agent's capacity in use
func Load(a *model.Agent) float64 {
	if a.Capacity <= 0 {
		return 1
	}
	return float64(a.TaskCount) / float64(a.Capacity)
}

// SelectAgent picks the least-loaded available agent.
// Equal loads resolve to the agent created first.
func SelectAgent(agents []*model.Agent) *model.Agent {
	var selected *model.Agent
	minLoad := 0.0

	for _, a := range agents {
		if !a.Available() {
			continue
		}

		load := Load(a)
		if selected == nil || load < minLoad || (load == minLoad && a.Seq < selected.Seq) {
			selected = a
			minLoad = load
		}
	}

	return selected
}
