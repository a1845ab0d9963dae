package dispatch

import (
	"context"
	"sort"
	"sync"

	"GuardDispatch/internal/models"
	"GuardDispatch/internal/store"

	"go.uber.org/zap"
)

// StateUpdate 推送给控制台的状态帧
type StateUpdate struct {
	UpdatedGuards        []models.Guard        `json:"updatedGuards"`
	UpdatedReports       []models.Report       `json:"updatedReports"`
	UpdatedInterventions []models.Intervention `json:"updatedInterventions"`
}

func (u StateUpdate) Empty() bool {
	return len(u.UpdatedGuards) == 0 && len(u.UpdatedReports) == 0 && len(u.UpdatedInterventions) == 0
}

// Registry in-memory view of guards, open reports and active interventions. Only the Coordinator
// mutates it; every accepted row carries a version at least as new as the
// one it replaces.
type Registry struct {
	store store.Store
	lg    *zap.Logger

	mu      sync.RWMutex
	guards  map[uint]models.Guard
	reports map[uint]models.Report
	// 仅保存 IN_PROGRESS / CONFIRMED
	interventions map[uint]models.Intervention
	// gen 每次协调器写入都会递增，Refresh 据此丢弃过期读取
	gen uint64
}

func NewRegistry(st store.Store, lg *zap.Logger) *Registry {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Registry{
		store:         st,
		lg:            lg.Named("registry"),
		guards:        make(map[uint]models.Guard),
		reports:       make(map[uint]models.Report),
		interventions: make(map[uint]models.Intervention),
	}
}

// Refresh reloads guards, open reports and active interventions from the store. It reports false
// when a coordinator write landed during the read; the next tick retries.
func (r *Registry) Refresh(ctx context.Context) (bool, error) {
	r.mu.RLock()
	gen := r.gen
	r.mu.RUnlock()

	guards, err := r.store.ListGuards(ctx)
	if err != nil {
		return false, err
	}
	reports, err := r.store.ListOpenReports(ctx)
	if err != nil {
		return false, err
	}
	var active []models.Intervention
	for _, st := range models.ActiveInterventionStatuses {
		ivs, err := r.store.ListInterventions(ctx, st)
		if err != nil {
			return false, err
		}
		active = append(active, ivs...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		r.lg.Debug("refresh raced with a dispatch write, discarded")
		return false, nil
	}
	r.guards = make(map[uint]models.Guard, len(guards))
	for _, g := range guards {
		r.guards[g.ID] = g
	}
	r.reports = make(map[uint]models.Report, len(reports))
	for _, rep := range reports {
		r.reports[rep.ID] = rep
	}
	r.interventions = make(map[uint]models.Intervention, len(active))
	for _, iv := range active {
		r.interventions[iv.ID] = iv
	}
	return true, nil
}

// apply stores the rows that are not older than what the registry holds and
// returns exactly those. FINISHED reports and interventions that are no
// longer active leave the registry but are still returned so consoles can
// drop them.
func (r *Registry) apply(guards []models.Guard, reports []models.Report, interventions []models.Intervention) StateUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++

	var out StateUpdate
	for _, g := range guards {
		if cur, ok := r.guards[g.ID]; ok && cur.Version > g.Version {
			continue
		}
		r.guards[g.ID] = g
		out.UpdatedGuards = append(out.UpdatedGuards, g)
	}
	for _, rep := range reports {
		if cur, ok := r.reports[rep.ID]; ok && cur.Version > rep.Version {
			continue
		}
		if rep.Status == models.ReportFinished {
			delete(r.reports, rep.ID)
		} else {
			r.reports[rep.ID] = rep
		}
		out.UpdatedReports = append(out.UpdatedReports, rep)
	}
	for _, iv := range interventions {
		if cur, ok := r.interventions[iv.ID]; ok && cur.Version > iv.Version {
			continue
		}
		if iv.Status.Active() {
			r.interventions[iv.ID] = iv
		} else {
			delete(r.interventions, iv.ID)
		}
		out.UpdatedInterventions = append(out.UpdatedInterventions, iv)
	}
	return out
}

// forget drops an intervention whose row no longer exists.
func (r *Registry) forget(interventionID uint) (models.Intervention, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	iv, ok := r.interventions[interventionID]
	delete(r.interventions, interventionID)
	return iv, ok
}

// Snapshot copies of every guard, open report and active intervention, sorted by id.
func (r *Registry) Snapshot() StateUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := StateUpdate{
		UpdatedGuards:  make([]models.Guard, 0, len(r.guards)),
		UpdatedReports: make([]models.Report, 0, len(r.reports)),

		UpdatedInterventions: make([]models.Intervention, 0, len(r.interventions)),
	}
	for _, g := range r.guards {
		out.UpdatedGuards = append(out.UpdatedGuards, g)
	}
	for _, rep := range r.reports {
		out.UpdatedReports = append(out.UpdatedReports, rep)
	}
	for _, iv := range r.interventions {
		out.UpdatedInterventions = append(out.UpdatedInterventions, iv)
	}
	sort.Slice(out.UpdatedGuards, func(i, j int) bool { return out.UpdatedGuards[i].ID < out.UpdatedGuards[j].ID })
	sort.Slice(out.UpdatedReports, func(i, j int) bool { return out.UpdatedReports[i].ID < out.UpdatedReports[j].ID })
	sort.Slice(out.UpdatedInterventions, func(i, j int) bool {
		return out.UpdatedInterventions[i].ID < out.UpdatedInterventions[j].ID
	})
	return out
}

func (r *Registry) Guard(id uint) (models.Guard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guards[id]
	return g, ok
}

func (r *Registry) Report(id uint) (models.Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.reports[id]
	return rep, ok
}

// Intervention an active intervention by id.
func (r *Registry) Intervention(id uint) (models.Intervention, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	iv, ok := r.interventions[id]
	return iv, ok
}
