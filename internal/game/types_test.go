package game

import (
	"reflect"
	"testing"
)

func TestStateUpdate_Apply(t *testing.T) {
	base := GameState{
		HP:        80,
		Gold:      20,
		Inventory: []string{"lantern", "rope"},
		Flags:     map[string]bool{"found_clue_1": true},
	}

	t.Run("hp clamps to [0, 100]", func(t *testing.T) {
		for _, tc := range []struct{ in, want int }{
			{-10, 0},
			{55, 55},
			{150, 100},
		} {
			hp := tc.in
			got := StateUpdate{HP: &hp}.Apply(base)
			if got.HP != tc.want {
				t.Errorf("hp %d: got %d, want %d", tc.in, got.HP, tc.want)
			}
		}
	})

	t.Run("gold never negative", func(t *testing.T) {
		gold := -7
		got := StateUpdate{Gold: &gold}.Apply(base)
		if got.Gold != 0 {
			t.Errorf("gold = %d, want 0", got.Gold)
		}
	})

	t.Run("add item keeps set semantics", func(t *testing.T) {
		got := StateUpdate{AddItem: "rope"}.Apply(base)
		if !reflect.DeepEqual(got.Inventory, []string{"lantern", "rope"}) {
			t.Errorf("duplicate add changed inventory: %v", got.Inventory)
		}
		got = StateUpdate{AddItem: "key"}.Apply(base)
		if !reflect.DeepEqual(got.Inventory, []string{"lantern", "rope", "key"}) {
			t.Errorf("append lost insertion order: %v", got.Inventory)
		}
	})

	t.Run("remove item", func(t *testing.T) {
		got := StateUpdate{RemoveItem: "lantern"}.Apply(base)
		if !reflect.DeepEqual(got.Inventory, []string{"rope"}) {
			t.Errorf("inventory = %v, want [rope]", got.Inventory)
		}
		got = StateUpdate{RemoveItem: "ghost"}.Apply(base)
		if !reflect.DeepEqual(got.Inventory, base.Inventory) {
			t.Errorf("removing absent item changed inventory: %v", got.Inventory)
		}
	})

	t.Run("set flag upserts", func(t *testing.T) {
		got := StateUpdate{SetFlag: &FlagUpdate{Name: "door_open", Value: true}}.Apply(base)
		if !got.Flags["door_open"] || !got.Flags["found_clue_1"] {
			t.Errorf("flags = %v", got.Flags)
		}
		got = StateUpdate{SetFlag: &FlagUpdate{Name: "found_clue_1", Value: false}}.Apply(base)
		if got.Flags["found_clue_1"] {
			t.Error("flag not overwritten")
		}
	})

	t.Run("nil flags map initialised on demand", func(t *testing.T) {
		got := StateUpdate{SetFlag: &FlagUpdate{Name: "x", Value: true}}.Apply(GameState{})
		if !got.Flags["x"] {
			t.Errorf("flags = %v", got.Flags)
		}
	})

	t.Run("apply never mutates the input", func(t *testing.T) {
		hp := 1
		_ = StateUpdate{HP: &hp, AddItem: "key", RemoveItem: "rope"}.Apply(base)
		if base.HP != 80 || !reflect.DeepEqual(base.Inventory, []string{"lantern", "rope"}) {
			t.Errorf("base mutated: %+v", base)
		}
	})
}

func TestStateUpdate_IsZero(t *testing.T) {
	if !(StateUpdate{}).IsZero() {
		t.Error("empty update should be zero")
	}
	hp := 0
	for _, u := range []StateUpdate{
		{HP: &hp},
		{Gold: &hp},
		{AddItem: "x"},
		{RemoveItem: "x"},
		{SetFlag: &FlagUpdate{Name: "x"}},
	} {
		if u.IsZero() {
			t.Errorf("update %+v should not be zero", u)
		}
	}
}

func TestGameState_Clone(t *testing.T) {
	orig := GameState{
		HP:        50,
		Inventory: []string{"rope"},
		Flags:     map[string]bool{"a": true},
	}
	clone := orig.Clone()
	clone.Inventory[0] = "torch"
	clone.Flags["a"] = false

	if orig.Inventory[0] != "rope" {
		t.Error("clone shares inventory backing array")
	}
	if !orig.Flags["a"] {
		t.Error("clone shares flags map")
	}
}

func TestEventType_IsValid(t *testing.T) {
	for _, typ := range []EventType{EventNarration, EventPlayerAction, EventSoundEffect, EventSceneChange} {
		if !typ.IsValid() {
			t.Errorf("%q should be valid", typ)
		}
	}
	if EventType("applause").IsValid() {
		t.Error("unknown type accepted")
	}
}

func TestStatusAndPhase_IsValid(t *testing.T) {
	if !StatusPaused.IsValid() || Status("hibernating").IsValid() {
		t.Error("status validation wrong")
	}
	if !PhaseDMSpeaking.IsValid() || TurnPhase("intermission").IsValid() {
		t.Error("turn phase validation wrong")
	}
}
