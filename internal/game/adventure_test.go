package game

import "testing"

func TestAdventure_InitialGameState(t *testing.T) {
	t.Run("seeds from starting state", func(t *testing.T) {
		a := Adventure{StartingState: StartingState{HP: 80, Gold: 25, Inventory: []string{"map"}}}
		got := a.InitialGameState()
		if got.HP != 80 || got.Gold != 25 {
			t.Errorf("state = %+v", got)
		}
		if len(got.Inventory) != 1 || got.Inventory[0] != "map" {
			t.Errorf("inventory = %v", got.Inventory)
		}
		if got.Flags == nil {
			t.Error("flags map must be initialised")
		}
	})

	t.Run("defaults hp to 100", func(t *testing.T) {
		got := Adventure{}.InitialGameState()
		if got.HP != 100 {
			t.Errorf("hp = %d, want 100", got.HP)
		}
	})

	t.Run("negative gold clamped", func(t *testing.T) {
		got := Adventure{StartingState: StartingState{Gold: -10}}.InitialGameState()
		if got.Gold != 0 {
			t.Errorf("gold = %d, want 0", got.Gold)
		}
	})

	t.Run("inventory is copied", func(t *testing.T) {
		inv := []string{"map"}
		a := Adventure{StartingState: StartingState{Inventory: inv}}
		got := a.InitialGameState()
		got.Inventory[0] = "torch"
		if inv[0] != "map" {
			t.Error("initial state shares the adventure's inventory slice")
		}
	})
}
