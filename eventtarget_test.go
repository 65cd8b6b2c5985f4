package microtask

import (
	"testing"
)

func TestEventTargetDispatchOrder(t *testing.T) {
	et := NewEventTarget()

	var order []int
	et.AddEventListener("test", func(*Event) { order = append(order, 1) })
	et.AddEventListener("test", func(*Event) { order = append(order, 2) })
	et.AddEventListener("test", func(*Event) { order = append(order, 3) })

	et.DispatchEvent(&Event{Type: "test"})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("dispatch order %v, expected registration order", order)
	}
}

func TestEventTargetRemoveListener(t *testing.T) {
	et := NewEventTarget()

	called := false
	id := et.AddEventListener("test", func(*Event) { called = true })

	if !et.RemoveEventListener("test", id) {
		t.Error("RemoveEventListener returned false for a registered listener")
	}
	if et.RemoveEventListener("test", id) {
		t.Error("RemoveEventListener returned true for an already-removed listener")
	}

	et.DispatchEvent(&Event{Type: "test"})
	if called {
		t.Error("removed listener was invoked")
	}
}

func TestEventTargetOnce(t *testing.T) {
	et := NewEventTarget()

	count := 0
	et.AddEventListenerOnce("test", func(*Event) { count++ })

	et.DispatchEvent(&Event{Type: "test"})
	et.DispatchEvent(&Event{Type: "test"})

	if count != 1 {
		t.Errorf("once listener fired %d times", count)
	}
	if et.ListenerCount("test") != 0 {
		t.Error("once listener not removed after dispatch")
	}
}

func TestEventTargetNilListener(t *testing.T) {
	et := NewEventTarget()

	if id := et.AddEventListener("test", nil); id != 0 {
		t.Errorf("AddEventListener(nil) = %d, expected 0", id)
	}
	if et.HasEventListeners("test") {
		t.Error("nil listener was registered")
	}
}

func TestEventTargetRemoveAll(t *testing.T) {
	et := NewEventTarget()

	et.AddEventListener("a", func(*Event) {})
	et.AddEventListener("a", func(*Event) {})
	et.AddEventListener("b", func(*Event) {})

	et.RemoveAllEventListeners("a")
	if et.HasEventListeners("a") {
		t.Error("listeners for type a survived targeted removal")
	}
	if !et.HasEventListeners("b") {
		t.Error("listeners for type b removed by targeted removal")
	}

	et.RemoveAllEventListeners("")
	if et.HasEventListeners("b") {
		t.Error("listeners survived removal of everything")
	}
}

func TestEventTargetPreventDefault(t *testing.T) {
	et := NewEventTarget()

	et.AddEventListener("test", func(e *Event) { e.PreventDefault() })

	if et.DispatchEvent(&Event{Type: "test", Cancelable: true}) {
		t.Error("DispatchEvent returned true for a prevented cancelable event")
	}
	if !et.DispatchEvent(&Event{Type: "test"}) {
		t.Error("PreventDefault had effect on a non-cancelable event")
	}
}

func TestEventTargetStopImmediatePropagation(t *testing.T) {
	et := NewEventTarget()

	var order []int
	et.AddEventListener("test", func(e *Event) {
		order = append(order, 1)
		e.StopImmediatePropagation()
	})
	et.AddEventListener("test", func(*Event) { order = append(order, 2) })

	et.DispatchEvent(&Event{Type: "test"})

	if len(order) != 1 {
		t.Errorf("listeners after StopImmediatePropagation still ran: %v", order)
	}
}

func TestEventTargetMutationDuringDispatch(t *testing.T) {
	et := NewEventTarget()

	var id2 ListenerID
	count2 := 0
	et.AddEventListener("test", func(*Event) {
		et.RemoveEventListener("test", id2)
	})
	id2 = et.AddEventListener("test", func(*Event) { count2++ })

	// The snapshot taken at dispatch time still includes listener 2.
	et.DispatchEvent(&Event{Type: "test"})
	if count2 != 1 {
		t.Errorf("snapshot dispatch ran listener 2 %d times, expected 1", count2)
	}

	et.DispatchEvent(&Event{Type: "test"})
	if count2 != 1 {
		t.Error("removed listener ran on a later dispatch")
	}
}

func TestEventTargetDispatchNil(t *testing.T) {
	et := NewEventTarget()
	if !et.DispatchEvent(nil) {
		t.Error("DispatchEvent(nil) should return true")
	}
}
