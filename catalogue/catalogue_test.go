package catalogue

import "testing"

func TestAllFamiliesHaveDistinctServiceUUIDs(t *testing.T) {
	seen := map[string]bool{}
	for _, e := range All() {
		s := e.Service.String()
		if seen[s] {
			t.Fatalf("duplicate service UUID %s for family %s", s, e.Family)
		}
		seen[s] = true
	}
}

func TestLookupRoundTrip(t *testing.T) {
	for _, e := range All() {
		got, ok := Lookup(e.Service)
		if !ok {
			t.Fatalf("Lookup(%s) not found", e.Service)
		}
		if got.Family != e.Family {
			t.Fatalf("Lookup(%s) = family %s, want %s", e.Service, got.Family, e.Family)
		}
	}
}

func TestLookupByName(t *testing.T) {
	cases := map[string]Family{"x": FamilyX, "F": FamilyF, " s ": FamilyS, "L": FamilyL}
	for in, want := range cases {
		got, ok := LookupByName(in)
		if !ok || got != want {
			t.Fatalf("LookupByName(%q) = (%v, %v), want (%v, true)", in, got, ok, want)
		}
	}
	if _, ok := LookupByName("Q"); ok {
		t.Fatalf("LookupByName(%q) unexpectedly matched", "Q")
	}
}

func TestWriteCharacteristicSelection(t *testing.T) {
	e, _ := Lookup(entryFor(FamilyX).Service)
	if got := e.WriteCharacteristic(true); got != e.WriteWithoutResponse {
		t.Fatalf("expected write-without-response characteristic, got %s", got)
	}
	if got := e.WriteCharacteristic(false); got != e.WriteWithResponse {
		t.Fatalf("expected write-with-response characteristic, got %s", got)
	}
}

func TestServiceUUIDsPreservesOrder(t *testing.T) {
	got := ServiceUUIDs([]Family{FamilyL, FamilyX})
	want := []Family{FamilyL, FamilyX}
	if len(got) != len(want) {
		t.Fatalf("len(ServiceUUIDs) = %d, want %d", len(got), len(want))
	}
	for i, f := range want {
		e := entryFor(f)
		if got[i] != e.Service {
			t.Fatalf("ServiceUUIDs[%d] = %s, want %s", i, got[i], e.Service)
		}
	}
}
