package reconcile

import (
	"testing"

	"github.com/avolkov/citytemp/internal/models"
	"github.com/avolkov/citytemp/internal/store"
)

// TestReconciler_ApplyEvent verifies that stream facts are written with
// strictly increasing epochs and always overwrite.
func TestReconciler_ApplyEvent(t *testing.T) {
	st := store.New()
	r := New(st, nil, nil)

	r.ApplyEvent(models.Fact{City: "riga", Temperature: 20})
	r.ApplyEvent(models.Fact{City: "riga", Temperature: 19})

	rec, ok := st.Read("riga")
	if !ok {
		t.Fatal("record missing after ApplyEvent")
	}
	if rec.Temperature != 19 {
		t.Errorf("temperature = %v, want 19 (later event wins)", rec.Temperature)
	}
	if rec.Epoch != 2 {
		t.Errorf("epoch = %d, want 2", rec.Epoch)
	}
	if rec.Source != models.SourceSubscribe {
		t.Errorf("source = %v, want subscribe", rec.Source)
	}
}

// TestReconciler_ApplySnapshot_NoConcurrentStream verifies that a snapshot
// wins for a city with no streamed update during the snapshot's flight.
func TestReconciler_ApplySnapshot_NoConcurrentStream(t *testing.T) {
	st := store.New()
	r := New(st, nil, nil)

	startedAt := r.CurrentEpoch()
	r.ApplySnapshot(map[string]float64{"berlin": 29, "paris": 31}, startedAt)

	if rec, _ := st.Read("berlin"); rec.Temperature != 29 {
		t.Errorf("berlin = %v, want 29", rec.Temperature)
	}
	if rec, _ := st.Read("paris"); rec.Temperature != 31 {
		t.Errorf("paris = %v, want 31", rec.Temperature)
	}
}

// TestReconciler_ApplySnapshot_StreamSupersedes verifies the core
// precedence rule: a streamed fact accepted while the snapshot call was in
// flight beats the snapshot's value for that city, while other cities from
// the snapshot still land.
func TestReconciler_ApplySnapshot_StreamSupersedes(t *testing.T) {
	st := store.New()
	r := New(st, nil, nil)

	startedAt := r.CurrentEpoch() // snapshot call begins
	r.ApplyEvent(models.Fact{City: "paris", Temperature: 32})
	r.ApplySnapshot(map[string]float64{"berlin": 29, "paris": 31}, startedAt)

	if rec, _ := st.Read("paris"); rec.Temperature != 32 {
		t.Errorf("paris = %v, want 32 (stream supersedes fetch)", rec.Temperature)
	}
	if rec, _ := st.Read("berlin"); rec.Temperature != 29 {
		t.Errorf("berlin = %v, want 29", rec.Temperature)
	}
}

// TestReconciler_ApplySnapshot_AfterStreamSettled verifies that a snapshot
// started after a streamed fact was accepted does overwrite it: the stream
// value is older than the snapshot's read instant, so the repair fetch
// must win.
func TestReconciler_ApplySnapshot_AfterStreamSettled(t *testing.T) {
	st := store.New()
	r := New(st, nil, nil)

	r.ApplyEvent(models.Fact{City: "paris", Temperature: 15})
	startedAt := r.CurrentEpoch() // snapshot begins after the stream fact
	r.ApplySnapshot(map[string]float64{"paris": 18}, startedAt)

	if rec, _ := st.Read("paris"); rec.Temperature != 18 {
		t.Errorf("paris = %v, want 18 (repair fetch wins after outage)", rec.Temperature)
	}
}

// TestReconciler_EpochMonotonic verifies that a city's stored epoch never
// decreases across an interleaving of stream facts and snapshots.
func TestReconciler_EpochMonotonic(t *testing.T) {
	st := store.New()
	r := New(st, nil, nil)

	var last uint64
	check := func(step string) {
		rec, ok := st.Read("oslo")
		if !ok {
			t.Fatalf("%s: record missing", step)
		}
		if rec.Epoch < last {
			t.Fatalf("%s: epoch regressed from %d to %d", step, last, rec.Epoch)
		}
		last = rec.Epoch
	}

	r.ApplyEvent(models.Fact{City: "oslo", Temperature: 5})
	check("event 1")
	r.ApplySnapshot(map[string]float64{"oslo": 6}, r.CurrentEpoch())
	check("snapshot 1")
	started := r.CurrentEpoch()
	r.ApplyEvent(models.Fact{City: "oslo", Temperature: 7})
	check("event 2")
	r.ApplySnapshot(map[string]float64{"oslo": 4}, started) // discarded, must not regress
	check("snapshot 2")
	if rec, _ := st.Read("oslo"); rec.Temperature != 7 {
		t.Errorf("oslo = %v, want 7", rec.Temperature)
	}
}

// TestReconciler_MalformedFactDropped verifies that an invalid city key is
// dropped without corrupting the store for other cities.
func TestReconciler_MalformedFactDropped(t *testing.T) {
	st := store.New()
	r := New(st, nil, nil)

	r.ApplyEvent(models.Fact{City: "   ", Temperature: 12})
	if st.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after malformed event", st.Len())
	}

	r.ApplySnapshot(map[string]float64{"": 1, "madrid": 33}, r.CurrentEpoch())
	if st.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after snapshot with one malformed key", st.Len())
	}
	if rec, _ := st.Read("madrid"); rec.Temperature != 33 {
		t.Errorf("madrid = %v, want 33", rec.Temperature)
	}
}

// TestReconciler_OnAccept verifies that the accept hook fires for both
// channels with the stored record.
func TestReconciler_OnAccept(t *testing.T) {
	st := store.New()
	accepted := make(map[string]models.Record)
	r := New(st, nil, func(city string, rec models.Record) {
		accepted[city] = rec
	})

	r.ApplyEvent(models.Fact{City: "riga", Temperature: 20})
	r.ApplySnapshot(map[string]float64{"berlin": 29}, 0)

	if len(accepted) != 2 {
		t.Fatalf("accept hook fired %d times, want 2", len(accepted))
	}
	if accepted["riga"].Source != models.SourceSubscribe {
		t.Errorf("riga source = %v, want subscribe", accepted["riga"].Source)
	}
	if accepted["berlin"].Source != models.SourceFetch {
		t.Errorf("berlin source = %v, want fetch", accepted["berlin"].Source)
	}
}
