package commands

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cristinecula/knowsync/internal/config"
	"github.com/cristinecula/knowsync/internal/metrics"
	"github.com/cristinecula/knowsync/internal/store"
	"github.com/cristinecula/knowsync/internal/syncengine"
	"github.com/cristinecula/knowsync/internal/vcs"
)

// openEngine opens the store at cfg.DBPath and wires a syncengine.Engine
// over it and the configured repos, registering metrics against the
// default Prometheus registerer.
func openEngine(cfg *config.Config) (*store.Store, *syncengine.Engine, error) {
	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	driver := vcs.NewGitDriver(cfg.AgentName)
	m := metrics.New(prometheus.DefaultRegisterer)
	e := syncengine.NewEngine(s, driver, cfg.Repos, nil, m)
	return s, e, nil
}

// vcsOnlyDriver returns a driver for the read-only history commands,
// which need no store or agent identity.
func vcsOnlyDriver() vcs.Driver {
	return vcs.NewGitDriver("")
}
