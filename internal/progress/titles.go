package progress

import (
	"context"
	"fmt"

	"github.com/leveling/leveling/internal/types"
)

// CheckAndAwardTitles evaluates every title not yet earned and awards the
// ones whose gate passes, logging a title_earned notification for each. It
// returns the newly awarded titles.
func (e *Engine) CheckAndAwardTitles(ctx context.Context) ([]types.Title, error) {
	e.titleMu.Lock()
	defer e.titleMu.Unlock()

	catalog, err := e.store.GetTitles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load titles: %w", err)
	}
	if len(catalog) == 0 {
		return nil, nil
	}
	earned, err := e.store.GetEarnedTitles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load earned titles: %w", err)
	}
	profile, err := e.store.GetPlayerProfile(ctx)
	if err != nil {
		return nil, err
	}
	completed, err := e.store.GetCompletedTasks(ctx)
	if err != nil {
		return nil, err
	}

	have := make(map[string]bool, len(earned))
	for _, id := range earned {
		have[types.CanonicalID(id)] = true
	}

	var awarded []types.Title
	for _, t := range catalog {
		if have[types.CanonicalID(t.ID)] {
			continue
		}
		if !TitleGate(t).Evaluate(profile, completed).Allowed {
			continue
		}
		added, err := e.store.AddEarnedTitle(ctx, t.ID)
		if err != nil {
			return awarded, fmt.Errorf("failed to award title %s: %w", t.ID, err)
		}
		if !added {
			continue
		}
		awarded = append(awarded, t)

		n := types.Notification{
			Type:      types.NotificationTitleEarned,
			Title:     "New Title Earned!",
			Message:   fmt.Sprintf("You earned the title %q!", t.Name),
			TitleID:   t.ID,
			TitleName: t.Name,
			Sound:     types.SoundSuccess,
		}
		if _, err := e.store.SaveNotification(ctx, n); err != nil {
			e.logger.Printf("Warning: failed to save title notification: %v", err)
		}
	}
	if len(awarded) > 0 {
		e.logger.Printf("awarded %d title(s)", len(awarded))
	}
	return awarded, nil
}

// TitleStatus reports the gate outcome of every title, earned or not.
type TitleStatus struct {
	Title  types.Title `json:"title"`
	Earned bool        `json:"earned"`
	Gate   GateResult  `json:"gate"`
}

// Titles returns the catalog with per-title progress.
func (e *Engine) Titles(ctx context.Context) ([]TitleStatus, error) {
	catalog, err := e.store.GetTitles(ctx)
	if err != nil {
		return nil, err
	}
	earned, err := e.store.GetEarnedTitles(ctx)
	if err != nil {
		return nil, err
	}
	profile, err := e.store.GetPlayerProfile(ctx)
	if err != nil {
		return nil, err
	}
	completed, err := e.store.GetCompletedTasks(ctx)
	if err != nil {
		return nil, err
	}

	have := make(map[string]bool, len(earned))
	for _, id := range earned {
		have[types.CanonicalID(id)] = true
	}
	out := make([]TitleStatus, 0, len(catalog))
	for _, t := range catalog {
		out = append(out, TitleStatus{
			Title:  t,
			Earned: have[types.CanonicalID(t.ID)],
			Gate:   TitleGate(t).Evaluate(profile, completed),
		})
	}
	return out, nil
}

// SelectTitle sets the displayed title. Only earned titles can be selected;
// an empty id clears the selection.
func (e *Engine) SelectTitle(ctx context.Context, id types.ID) error {
	if id != "" {
		ok, err := e.store.HasEarnedTitle(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("title %s not earned: %w", id, ErrGateNotSatisfied)
		}
	}
	return e.store.SetSelectedTitle(ctx, id)
}
