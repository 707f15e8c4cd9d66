package runtime

import (
	"errors"
	"testing"
)

func TestDeliveryHooksMerge(t *testing.T) {
	var order []string

	a := DeliveryHooks{
		OnDeliveryStart: func(DeliveryContext) { order = append(order, "a-start") },
		OnDeliveryDone:  func(DeliveryContext) { order = append(order, "a-done") },
		OnDeliveryError: func(DeliveryContext, error) { order = append(order, "a-error") },
	}
	b := DeliveryHooks{
		OnDeliveryStart: func(DeliveryContext) { order = append(order, "b-start") },
		OnDeliveryDone:  func(DeliveryContext) { order = append(order, "b-done") },
		OnDeliveryError: func(DeliveryContext, error) { order = append(order, "b-error") },
	}

	merged := a.Merge(b)
	merged.OnDeliveryStart(DeliveryContext{})
	merged.OnDeliveryDone(DeliveryContext{})
	merged.OnDeliveryError(DeliveryContext{}, errors.New("boom"))

	want := []string{"a-start", "b-start", "a-done", "b-done", "a-error", "b-error"}
	if len(order) != len(want) {
		t.Fatalf("calls = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("calls = %v, want %v", order, want)
		}
	}
}

func TestDeliveryHooksMergeWithNils(t *testing.T) {
	var called int
	a := DeliveryHooks{}
	b := DeliveryHooks{OnDeliveryStart: func(DeliveryContext) { called++ }}

	merged := a.Merge(b)
	merged.OnDeliveryStart(DeliveryContext{})
	if called != 1 {
		t.Fatalf("OnDeliveryStart called %d times, want 1", called)
	}
	if merged.OnDeliveryDone != nil {
		t.Fatal("merging two nil hooks should stay nil")
	}
}
