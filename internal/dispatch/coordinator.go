package dispatch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"GuardDispatch/internal/models"
	"GuardDispatch/internal/store"
	apperrors "GuardDispatch/pkg/errors"
	"GuardDispatch/pkg/metrics"

	"go.uber.org/zap"
)

const (
	DefaultConfirmTimeout = 60 * time.Second

	// terminalTimeout bounds one terminal transition once the gate has fired.
	terminalTimeout = 10 * time.Second
)

// 推送给警卫终端的通知类型
const (
	NotifyOffer   = "offer"
	NotifyWarning = "warning"
)

// Publisher fans a state frame out to every console.
type Publisher interface {
	Publish(v interface{})
}

// Notifier delivers a message addressed to one guard.
type Notifier interface {
	NotifyGuard(guardID uint, kind string, payload interface{})
}

// CancelOrigin who declined the intervention
type CancelOrigin string

const (
	OriginUser       CancelOrigin = "user"
	OriginGuard      CancelOrigin = "guard"
	OriginDispatcher CancelOrigin = "dispatcher"
)

func ParseOrigin(s string) (CancelOrigin, error) {
	switch o := CancelOrigin(strings.ToLower(strings.TrimSpace(s))); o {
	case OriginUser, OriginGuard, OriginDispatcher:
		return o, nil
	case "":
		return OriginDispatcher, nil
	}
	return "", apperrors.Wrapf(apperrors.ErrInvalid, "unknown cancel origin %q", s)
}

func (o CancelOrigin) status() models.InterventionStatus {
	switch o {
	case OriginUser:
		return models.InterventionCancelledByUser
	case OriginGuard:
		return models.InterventionCancelledByGuard
	}
	return models.InterventionCancelledByDispatcher
}

// Assignment 预约成功后的返回
type Assignment struct {
	InterventionID uint                      `json:"interventionId"`
	ReportID       uint                      `json:"reportId"`
	GuardID        uint                      `json:"guardId"`
	PatrolNumber   int                       `json:"patrolNumber"`
	Status         models.InterventionStatus `json:"status"`
	Deadline       time.Time                 `json:"deadline"`
}

// Result outcome of a confirm/cancel/finish signal. Applied is false when the
// signal arrived after the intervention had already left the state it targets.
type Result struct {
	Applied      bool                 `json:"applied"`
	Intervention *models.Intervention `json:"intervention,omitempty"`
}

// Offer 派单通知
type Offer struct {
	InterventionID uint            `json:"interventionId"`
	ReportID       uint            `json:"reportId"`
	Location       models.Location `json:"location"`
	Deadline       time.Time       `json:"deadline"`
}

// Warning 超时警告
type Warning struct {
	InterventionID uint   `json:"interventionId"`
	ReportID       uint   `json:"reportId"`
	Reason         string `json:"reason"`
}

var (
	confirmTransition = store.Transition{
		From: []models.InterventionStatus{models.InterventionInProgress},
		To:   models.InterventionConfirmed,
	}
	timeoutTransition = store.Transition{
		From:         []models.InterventionStatus{models.InterventionInProgress},
		To:           models.InterventionCancelledByDispatcher,
		ReportStatus: models.ReportWaiting,
		GuardStatus:  models.GuardNotResponding,
	}
	// forceRelease 终态更新重试失败后的兜底
	forceRelease = store.Transition{
		From:         models.ActiveInterventionStatuses,
		To:           models.InterventionCancelledByDispatcher,
		ReportStatus: models.ReportWaiting,
		GuardStatus:  models.GuardNotResponding,
	}
	finishTransition = store.Transition{
		From:         []models.InterventionStatus{models.InterventionConfirmed},
		To:           models.InterventionFinished,
		ReportStatus: models.ReportFinished,
		GuardStatus:  models.GuardAvailable,
	}
)

func cancelTransition(origin CancelOrigin, from ...models.InterventionStatus) store.Transition {
	return store.Transition{
		From:         from,
		To:           origin.status(),
		ReportStatus: models.ReportWaiting,
		GuardStatus:  models.GuardAvailable,
	}
}

// window one confirmation window. Exactly one of timer, confirm and cancel
// passes the gate; done closes once that one has published.
type window struct {
	interventionID uint
	reportID       uint
	guardID        uint
	deadline       time.Time

	fired atomic.Bool
	timer *time.Timer // guarded by Coordinator.mu
	done  chan struct{}
}

type Options struct {
	ConfirmTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Publisher      Publisher
	Notifiers      []Notifier
}

// Coordinator 派单状态机
type Coordinator struct {
	store store.Store
	reg   *Registry
	opts  Options
	lg    *zap.Logger

	mu      sync.Mutex
	windows map[uint]*window
	closed  bool

	// emitMu keeps registry apply and publish in one order
	emitMu sync.Mutex
}

func NewCoordinator(st store.Store, reg *Registry, opts Options) *Coordinator {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		store:   st,
		reg:     reg,
		opts:    opts,
		lg:      opts.Logger.Named("coordinator"),
		windows: make(map[uint]*window),
	}
}

// AddNotifier registers another guard channel.
func (c *Coordinator) AddNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// 写时复制，notify 持有的旧切片不受影响
	ns := make([]Notifier, 0, len(c.opts.Notifiers)+1)
	c.opts.Notifiers = append(append(ns, c.opts.Notifiers...), n)
}

// AssignGuardToReport reserves the guard for the report and opens the
// confirmation window. The returned Assignment is the reservation; the final
// outcome is observed through the Publisher.
func (c *Coordinator) AssignGuardToReport(ctx context.Context, reportID, guardID, employeeID uint) (*Assignment, error) {
	if c.isClosed() {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "coordinator is shutting down")
	}

	ch, err := c.store.Reserve(ctx, reportID, guardID, employeeID)
	if err != nil {
		c.opts.Metrics.RecordDispatch("assign", outcome(err))
		c.lg.Info("assignment rejected",
			zap.Uint("report_id", reportID), zap.Uint("guard_id", guardID), zap.Error(err))
		return nil, err
	}
	c.opts.Metrics.RecordDispatch("assign", "ok")

	w := c.openWindow(ch.Intervention, time.Now().Add(c.opts.ConfirmTimeout))
	c.emitChange(ch)
	c.notify(guardID, NotifyOffer, Offer{
		InterventionID: ch.Intervention.ID,
		ReportID:       reportID,
		Location:       ch.Report.Location,
		Deadline:       w.deadline,
	})

	c.lg.Info("guard reserved",
		zap.Uint("intervention_id", ch.Intervention.ID),
		zap.Uint("report_id", reportID),
		zap.Uint("guard_id", guardID),
		zap.Uint("employee_id", employeeID),
		zap.Time("deadline", w.deadline))

	return &Assignment{
		InterventionID: ch.Intervention.ID,
		ReportID:       reportID,
		GuardID:        guardID,
		PatrolNumber:   ch.Intervention.PatrolNumber,
		Status:         ch.Intervention.Status,
		Deadline:       w.deadline,
	}, nil
}

// openWindow arms the timer. If the coordinator closed meanwhile the window
// goes straight through the timeout path.
func (c *Coordinator) openWindow(iv models.Intervention, deadline time.Time) *window {
	w := &window{
		interventionID: iv.ID,
		reportID:       iv.ReportID,
		guardID:        iv.GuardID,
		deadline:       deadline,
		done:           make(chan struct{}),
	}

	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.windows[w.interventionID] = w
		w.timer = time.AfterFunc(time.Until(deadline), func() { c.expire(w) })
		c.opts.Metrics.SetPendingConfirmations(len(c.windows))
	}
	c.mu.Unlock()

	if closed {
		c.expire(w)
	}
	return w
}

// Confirm closes the window with CONFIRMED; report and guard keep their status.
func (c *Coordinator) Confirm(ctx context.Context, interventionID uint) (*Result, error) {
	w := c.lookup(interventionID)
	if w == nil {
		return c.late(ctx, interventionID, "confirm")
	}
	ch, applied, err := c.settle(ctx, w, confirmTransition, "confirm")
	return c.result(ch, applied, err)
}

// Cancel declines the intervention. Inside the window it competes with the
// timer; after a confirm it releases the CONFIRMED intervention.
func (c *Coordinator) Cancel(ctx context.Context, interventionID uint, origin CancelOrigin) (*Result, error) {
	if w := c.lookup(interventionID); w != nil {
		ch, applied, err := c.settle(ctx, w, cancelTransition(origin, models.InterventionInProgress), "cancel")
		return c.result(ch, applied, err)
	}

	ch, forced, err := c.resolve(ctx, interventionID, cancelTransition(origin, models.InterventionConfirmed), "cancel")
	switch {
	case apperrors.Is(err, apperrors.ErrConflict):
		c.opts.Metrics.RecordDispatch("cancel", "late")
		return &Result{Applied: false}, nil
	case apperrors.Is(err, apperrors.ErrNotFound):
		c.releaseOrphan(ctx, interventionID, 0, "cancel")
		return nil, err
	case err != nil && ch == nil:
		return nil, err
	}
	c.emitChange(ch)
	if forced {
		return nil, err
	}
	c.opts.Metrics.RecordDispatch("cancel", "ok")
	return &Result{Applied: true, Intervention: &ch.Intervention}, nil
}

// Finish CONFIRMED -> FINISHED; the report closes and the guard is free again.
func (c *Coordinator) Finish(ctx context.Context, interventionID uint) (*Result, error) {
	ch, err := c.store.Resolve(ctx, interventionID, finishTransition)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			c.releaseOrphan(ctx, interventionID, 0, "finish")
		}
		c.opts.Metrics.RecordDispatch("finish", outcome(err))
		return nil, err
	}
	c.emitChange(ch)
	c.opts.Metrics.RecordDispatch("finish", "ok")
	c.lg.Info("intervention finished", zap.Uint("intervention_id", interventionID))
	return &Result{Applied: true, Intervention: &ch.Intervention}, nil
}

// ClearGuard NOT_RESPONDING -> AVAILABLE, a dispatcher decision.
func (c *Coordinator) ClearGuard(ctx context.Context, guardID uint) (*models.Guard, error) {
	g, err := c.store.UpdateGuardStatus(ctx, guardID, models.GuardNotResponding, models.GuardAvailable)
	if err != nil {
		c.opts.Metrics.RecordDispatch("clear", outcome(err))
		return nil, err
	}
	c.emit([]models.Guard{*g}, nil, nil)
	c.opts.Metrics.RecordDispatch("clear", "ok")
	return g, nil
}

// ActiveLocation the report a guard is currently assigned to.
func (c *Coordinator) ActiveLocation(ctx context.Context, guardID uint) (*models.Intervention, *models.Report, error) {
	return c.store.ActiveInterventionForGuard(ctx, guardID)
}

// Recover re-arms windows for interventions left IN_PROGRESS by a previous
// process. Expired ones time out immediately.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	ivs, err := c.store.ListInterventions(ctx, models.InterventionInProgress)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, iv := range ivs {
		if c.lookup(iv.ID) != nil {
			continue
		}
		c.openWindow(iv, iv.StartTime.Add(c.opts.ConfirmTimeout))
		n++
	}
	if n > 0 {
		c.lg.Info("recovered pending confirmations", zap.Int("count", n))
	}
	return n, nil
}

// Pending 当前等待确认的数量
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// Close forces every open window through the timeout path and waits for the
// transitions to publish. Later assignments are rejected.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := make([]*window, 0, len(c.windows))
	for _, w := range c.windows {
		pending = append(pending, w)
	}
	c.mu.Unlock()

	for _, w := range pending {
		c.expire(w)
		<-w.done
	}
	c.lg.Info("coordinator closed", zap.Int("forced_timeouts", len(pending)))
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) lookup(id uint) *window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windows[id]
}

// expire is the timer path.
func (c *Coordinator) expire(w *window) {
	_, applied, err := c.settle(context.Background(), w, timeoutTransition, "timeout")
	if !applied {
		return
	}
	c.lg.Warn("guard did not respond before the deadline",
		zap.Uint("intervention_id", w.interventionID),
		zap.Uint("guard_id", w.guardID),
		zap.Uint("report_id", w.reportID),
		zap.Error(err))
	c.notify(w.guardID, NotifyWarning, Warning{
		InterventionID: w.interventionID,
		ReportID:       w.reportID,
		Reason:         "confirmation timeout",
	})
}

// settle runs t for w if the caller wins the gate. applied is false for a
// late caller. The winner publishes before settle returns.
func (c *Coordinator) settle(ctx context.Context, w *window, t store.Transition, op string) (*store.Change, bool, error) {
	if !w.fired.CompareAndSwap(false, true) {
		c.opts.Metrics.RecordDispatch(op, "late")
		return nil, false, nil
	}
	defer c.release(w)

	c.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	c.mu.Unlock()

	// the gate has fired, so the transition must complete even if the caller goes away
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalTimeout)
	defer cancel()

	ch, forced, err := c.resolve(tctx, w.interventionID, t, op)
	if ch == nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// 报告被删除时介入记录随之级联删除
			c.releaseOrphan(tctx, w.interventionID, w.guardID, op)
			return nil, false, err
		}
		if apperrors.Is(err, apperrors.ErrConflict) {
			// 状态已被外部修改，窗口作废
			c.lg.Warn("window closed by a concurrent change",
				zap.Uint("intervention_id", w.interventionID), zap.String("op", op), zap.Error(err))
			c.opts.Metrics.RecordDispatch(op, "late")
			return nil, false, nil
		}
		c.opts.Metrics.RecordDispatch(op, "failed")
		return nil, false, err
	}

	c.emitChange(ch)
	if forced {
		c.opts.Metrics.RecordDispatch(op, "forced")
		return ch, false, err
	}
	c.opts.Metrics.RecordDispatch(op, "ok")
	return ch, true, nil
}

// resolve applies t, retrying a storage failure once and then forcing the
// intervention out of its active state. forced reports that fallback; err is
// then the original failure.
func (c *Coordinator) resolve(ctx context.Context, id uint, t store.Transition, op string) (*store.Change, bool, error) {
	ch, err := c.store.Resolve(ctx, id, t)
	if err == nil || !apperrors.IsRetriable(err) {
		return ch, false, err
	}
	c.lg.Warn("terminal update failed, retrying", zap.Uint("intervention_id", id), zap.String("op", op), zap.Error(err))

	ch, err = c.store.Resolve(ctx, id, t)
	if err == nil || !apperrors.IsRetriable(err) {
		return ch, false, err
	}

	c.lg.Error("terminal update failed twice, forcing release",
		zap.Uint("intervention_id", id), zap.String("op", op), zap.Error(err))
	c.opts.Metrics.RecordForcedRelease()
	fch, ferr := c.store.Resolve(ctx, id, forceRelease)
	if ferr != nil {
		c.lg.Error("forced release failed", zap.Uint("intervention_id", id), zap.Error(ferr))
		return nil, false, err
	}
	return fch, true, err
}

// releaseOrphan frees the guard of an intervention whose row is gone. The
// offer no longer exists, so the guard goes back to AVAILABLE whatever the
// signal was. guardID 0 takes the guard from the registry.
func (c *Coordinator) releaseOrphan(ctx context.Context, interventionID, guardID uint, op string) {
	iv, known := c.reg.forget(interventionID)
	if guardID == 0 {
		if !known {
			return
		}
		guardID = iv.GuardID
	}
	g, err := c.store.UpdateGuardStatus(ctx, guardID, models.GuardIntervention, models.GuardAvailable)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrConflict) && !apperrors.Is(err, apperrors.ErrNotFound) {
			c.lg.Error("release guard of deleted intervention",
				zap.Uint("intervention_id", interventionID), zap.Uint("guard_id", guardID), zap.Error(err))
		}
		return
	}
	c.emit([]models.Guard{*g}, nil, nil)
	c.opts.Metrics.RecordDispatch(op, "gone")
	c.lg.Warn("intervention deleted while active, guard released",
		zap.Uint("intervention_id", interventionID), zap.Uint("guard_id", guardID), zap.String("op", op))
}

func (c *Coordinator) release(w *window) {
	c.mu.Lock()
	if c.windows[w.interventionID] == w {
		delete(c.windows, w.interventionID)
	}
	c.opts.Metrics.SetPendingConfirmations(len(c.windows))
	c.mu.Unlock()
	close(w.done)
}

// late handles a signal for an intervention without an open window.
func (c *Coordinator) late(ctx context.Context, id uint, op string) (*Result, error) {
	iv, err := c.store.GetIntervention(ctx, id)
	if err != nil {
		return nil, err
	}
	c.opts.Metrics.RecordDispatch(op, "late")
	c.lg.Debug("late signal ignored", zap.Uint("intervention_id", id), zap.String("op", op), zap.String("status", string(iv.Status)))
	return &Result{Applied: false, Intervention: iv}, nil
}

func (c *Coordinator) result(ch *store.Change, applied bool, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return &Result{Applied: applied}, nil
	}
	return &Result{Applied: applied, Intervention: &ch.Intervention}, nil
}

// emitChange publishes a committed transition. Rows deleted under it come
// back zero and are left out.
func (c *Coordinator) emitChange(ch *store.Change) {
	var (
		guards  []models.Guard
		reports []models.Report
	)
	if ch.Guard.ID != 0 {
		guards = append(guards, ch.Guard)
	}
	if ch.Report.ID != 0 {
		reports = append(reports, ch.Report)
	}
	c.emit(guards, reports, []models.Intervention{ch.Intervention})
}

func (c *Coordinator) emit(guards []models.Guard, reports []models.Report, interventions []models.Intervention) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	upd := c.reg.apply(guards, reports, interventions)
	if upd.Empty() || c.opts.Publisher == nil {
		return
	}
	c.opts.Publisher.Publish(upd)
}

func (c *Coordinator) notify(guardID uint, kind string, payload interface{}) {
	c.mu.Lock()
	notifiers := c.opts.Notifiers
	c.mu.Unlock()
	for _, n := range notifiers {
		n.NotifyGuard(guardID, kind, payload)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apperrors.Is(err, apperrors.ErrConflict):
		return "conflict"
	case apperrors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	case apperrors.IsRetriable(err):
		return "storage"
	}
	return "error"
}
