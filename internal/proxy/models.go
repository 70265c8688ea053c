package proxy

import (
	"net/http"
	"regexp"
	"sort"
)

// replicaName matches the "-N" suffix of replica instances, which are an
// implementation detail clients should not see in the aggregated list.
var replicaName = regexp.MustCompile(`^.+-\d+$`)

type modelEntry struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// HandleAggregatedModels serves GET /v1/models: the union of every
// backend's advertised models, minus replica names, sorted.
func (h *Handler) HandleAggregatedModels(w http.ResponseWriter, _ *http.Request) {
	reg := h.registry()

	union := make(map[string]bool)
	for _, base := range reg.ModelBases() {
		for id := range h.cache.AvailableModels(base) {
			union[id] = true
		}
	}

	ids := make([]string, 0, len(union))
	for id := range union {
		if replicaName.MatchString(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := modelList{Object: "list", Data: make([]modelEntry, 0, len(ids))}
	for _, id := range ids {
		out.Data = append(out.Data, modelEntry{ID: id, Object: "model"})
	}
	writeJSON(w, http.StatusOK, out)
}
