package progress

import (
	"context"
	"fmt"

	"github.com/leveling/leveling/internal/types"
)

// CanPurchase evaluates the gate of a shop item against current state.
func (e *Engine) CanPurchase(ctx context.Context, item types.ShopItem) (GateResult, error) {
	profile, err := e.store.GetPlayerProfile(ctx)
	if err != nil {
		return GateResult{}, err
	}
	completed, err := e.store.GetCompletedTasks(ctx)
	if err != nil {
		return GateResult{}, err
	}
	tasks, err := e.store.GetTasks(ctx)
	if err != nil {
		return GateResult{}, err
	}

	g := ItemGate(item)
	g.TaskName = func(id types.ID) string {
		for _, t := range tasks {
			if types.CanonicalID(t.ID) == types.CanonicalID(id) {
				return t.Title
			}
		}
		return ""
	}
	return g.Evaluate(profile, completed), nil
}

// Purchase buys the shop item with the given id. The gate is evaluated
// against current state; gold is debited when the item requires gold. The
// item is recorded as purchased and appended to the history. A refused
// purchase returns an error wrapping ErrPurchaseDenied with the reasons.
func (e *Engine) Purchase(ctx context.Context, itemID any) (*types.PurchaseRecord, error) {
	item, err := e.findItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	gate, err := e.CanPurchase(ctx, *item)
	if err != nil {
		return nil, err
	}
	if !gate.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrPurchaseDenied, gate.Reason())
	}

	if needsGold, _, _ := item.Requirements(); needsGold && item.Price > 0 {
		ok, err := e.store.SpendGold(ctx, item.Price)
		if err != nil {
			return nil, fmt.Errorf("failed to spend gold: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: not enough gold", ErrPurchaseDenied)
		}
	}

	if _, err := e.store.AddPurchasedItem(ctx, item.ID); err != nil {
		return nil, fmt.Errorf("failed to record purchase: %w", err)
	}
	rec, err := e.store.AddPurchase(ctx, types.PurchaseRecord{
		ItemID:          item.ID,
		ItemTitle:       item.Title,
		ItemDescription: item.Description,
		ItemImageURL:    item.ImageURL,
		Price:           item.Price,
		RequiredLevel:   item.RequiredLevel,
		RequiredTasks:   item.RequiredTasks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record purchase: %w", err)
	}
	return rec, nil
}

func (e *Engine) findItem(ctx context.Context, id any) (*types.ShopItem, error) {
	items, err := e.store.GetShopItems(ctx)
	if err != nil {
		return nil, err
	}
	want := types.CanonicalID(id)
	for i := range items {
		if types.CanonicalID(items[i].ID) == want {
			return &items[i], nil
		}
	}
	return nil, fmt.Errorf("%s: %w", want, ErrItemNotFound)
}
