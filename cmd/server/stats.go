package main

import (
	"context"
	"sort"

	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/server"
)

// Stats represents current relay state for dashboards & API. Agents come
// from the state store so a shared store lists sessions of every instance.
type Stats struct {
	server.Stats
	Agents []server.SessionInfo `json:"agents"`
}

func collectStats(ctx context.Context, srv *server.Server) Stats {
	st := Stats{Stats: srv.Stats()}
	agents, err := srv.Store().Sessions(ctx)
	if err != nil {
		obs.Error("stats.sessions", obs.Fields{"err": err})
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ConnectedAt.Before(agents[j].ConnectedAt) })
	st.Agents = agents
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Title":     "dashboard",
		"Sessions":  s.Sessions,
		"Listeners": s.Listeners,
		"Agents":    s.Agents,
	}
}
