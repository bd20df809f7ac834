package presence

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
)

func TestPushReportsSwitchOnlyOnKeyChange(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil)

	var switches [][2]string
	tr.OnSwitch(func(prev, next Session) {
		switches = append(switches, [2]string{prev.SessionKey, next.SessionKey})
	})

	if switched, _ := tr.Push(Session{SessionKey: "a", PlaceName: "Obby"}); switched {
		t.Fatal("first push reported a switch")
	}
	if switched, _ := tr.Push(Session{SessionKey: "a", PlaceName: "Obby v2"}); switched {
		t.Fatal("same key reported a switch")
	}
	if switched, _ := tr.Push(Session{SessionKey: "b", PlaceName: "Tycoon"}); !switched {
		t.Fatal("key change not reported")
	}
	if len(switches) != 1 || switches[0] != [2]string{"a", "b"} {
		t.Fatalf("switches = %v", switches)
	}
}

func TestPushReplacesWholesale(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil)
	tr.Push(Session{SessionKey: "a", PlaceName: "Obby", IsPublished: true, PlaceID: json.RawMessage(`123`)})
	tr.Push(Session{SessionKey: "a"})

	cur := tr.Current()
	if cur == nil {
		t.Fatal("current is nil")
	}
	if cur.PlaceName != "" || cur.IsPublished || len(cur.PlaceID) != 0 {
		t.Fatalf("fields leaked from previous push: %+v", cur)
	}
}

func TestClearThenPushIsNotASwitch(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil)
	tr.Push(Session{SessionKey: "a"})
	tr.Clear()
	if tr.Current() != nil {
		t.Fatal("session not cleared")
	}
	if switched, _ := tr.Push(Session{SessionKey: "b"}); switched {
		t.Fatal("push after clear reported a switch")
	}
}

func TestCurrentReturnsCopy(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil)
	tr.Push(Session{SessionKey: "a", PlaceName: "Obby"})
	cur := tr.Current()
	cur.PlaceName = "mutated"
	if tr.Current().PlaceName != "Obby" {
		t.Fatal("Current exposed internal state")
	}
}

func TestOnPushSeesEveryUpdate(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil)
	var keys []string
	tr.OnPush(func(s Session) { keys = append(keys, s.SessionKey) })
	tr.Push(Session{SessionKey: "a"})
	tr.Push(Session{SessionKey: "a"})
	tr.Push(Session{SessionKey: "b"})
	if len(keys) != 3 {
		t.Fatalf("push hooks = %v", keys)
	}
}

func TestPushRefusedWithoutPlugin(t *testing.T) {
	t.Parallel()
	var connected atomic.Bool
	tr := NewTracker(connected.Load)

	var pushes int
	tr.OnPush(func(Session) { pushes++ })

	if _, err := tr.Push(Session{SessionKey: "ghost"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if tr.Current() != nil || pushes != 0 {
		t.Fatalf("refused push left state: current=%+v hooks=%d", tr.Current(), pushes)
	}

	connected.Store(true)
	if _, err := tr.Push(Session{SessionKey: "a"}); err != nil {
		t.Fatal(err)
	}

	// Plugin leaves: the slot is freed before Clear runs.
	connected.Store(false)
	tr.Clear()
	if _, err := tr.Push(Session{SessionKey: "late"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("late push err = %v", err)
	}
	if tr.Current() != nil {
		t.Fatalf("session revived after plugin left: %+v", tr.Current())
	}
}
