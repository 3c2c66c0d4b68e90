package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"grid-bot/internal/alerts"
	"grid-bot/internal/state"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Raw      string
}

func (a *App) startOperator(ctx context.Context) {
	if a.alerts == nil || !a.alerts.Enabled() || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.ID >= offset {
				offset = upd.ID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, allowedUsers map[int64]struct{}) {
	if upd.ChatID == "" || upd.ChatID != a.alerts.ChatID() {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[upd.FromID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(upd.Text)
	if !ok {
		return
	}
	meta := operatorMeta{UpdateID: upd.ID, UserID: upd.FromID, Raw: upd.Text}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Commands addressed as /status@botname in group chats.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	source := fmt.Sprintf("telegram user %d", meta.UserID)
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "start":
		var raw string
		if len(args) > 0 {
			raw = args[0]
		}
		interval, err := parseInterval(raw)
		if err != nil {
			return "", err
		}
		if err := a.Start(interval); err != nil {
			return "", err
		}
		a.recordOperator(ctx, "start", source)
		return fmt.Sprintf("grid trading started (interval %s)", a.scheduler.Status().Interval), nil
	case "stop":
		if err := a.Stop(); err != nil {
			return "", err
		}
		a.recordOperator(ctx, "stop", source)
		return "grid trading stopped", nil
	case "reset":
		was := a.ResetCooldown(ctx)
		a.recordOperator(ctx, "reset", source)
		if was {
			return "risk cooldown cleared", nil
		}
		return "no risk cooldown active", nil
	case "cancelall":
		if err := a.CancelAll(ctx); err != nil {
			return "", err
		}
		a.recordOperator(ctx, "cancelall", source)
		return "all orders cancelled", nil
	case "clear":
		a.ClearOrderHistory()
		a.recordOperator(ctx, "clear", source)
		return "order history cleared", nil
	default:
		return operatorHelpText(), nil
	}
}

// parseInterval accepts a Go duration or a bare number of seconds. Empty means default.
func parseInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs <= 0 {
			return 0, errors.New("interval must be > 0")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}

func (a *App) operatorStatus() string {
	st := a.Status()
	lastOrder := "none"
	if st.LastOrderTime != nil {
		lastOrder = st.LastOrderTime.UTC().Format(time.RFC3339)
	}
	lines := []string{
		fmt.Sprintf("running: %t", st.Running),
		fmt.Sprintf("cycles: %d", st.CycleCount),
		fmt.Sprintf("processed_orders: %d", st.ProcessedCount),
		fmt.Sprintf("last_order: %s", lastOrder),
	}
	if st.Interval != "" {
		lines = append(lines, fmt.Sprintf("interval: %s", st.Interval))
	}
	if st.RiskCooldown.Cooling {
		lines = append(lines,
			fmt.Sprintf("risk_cooldown: %s remaining", st.RiskCooldown.Remaining),
			fmt.Sprintf("risk_reason: %s", st.RiskCooldown.Reason),
		)
	} else {
		lines = append(lines, "risk_cooldown: inactive")
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - current bot status",
		"/start [interval] - start grid trading (e.g. /start 5s)",
		"/stop - stop grid trading",
		"/reset - clear an active risk cooldown",
		"/cancelall - cancel every resting order",
		"/clear - clear order history and cycle count",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) recordOperator(ctx context.Context, action, source string) {
	a.mu.RLock()
	cycle := a.cycleCount
	a.mu.RUnlock()
	a.appendJournal(context.WithoutCancel(ctx), state.CycleRecord{
		Cycle:       cycle,
		StartedAtMS: a.clock.Now().UnixMilli(),
		Outcome:     "operator_" + action,
		Reason:      source,
	})
}
