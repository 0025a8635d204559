package registry

import "testing"

func TestPeripheralsReserveNeverReusesIDs(t *testing.T) {
	p := NewPeripherals()
	first := p.Reserve()
	second := p.Reserve()
	if second != first+1 {
		t.Fatalf("reserved ids %d then %d, want consecutive", first, second)
	}
}

func TestPeripheralsReserveNotVisibleUntilInsert(t *testing.T) {
	p := NewPeripherals()
	id := p.Reserve()
	if _, err := p.Get(id); err == nil {
		t.Fatal("reserved-but-uninserted id should not be visible")
	}
	if len(p.List()) != 0 {
		t.Fatal("list should be empty before any insert")
	}
}

func TestPeripheralsInsertThenGet(t *testing.T) {
	p := NewPeripherals()
	id := p.Reserve()
	rec := &PeripheralRecord{ID: id, Name: "thermostat"}
	p.Insert(rec)

	got, err := p.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != rec {
		t.Fatal("get returned a different record than inserted")
	}
}

func TestPeripheralsListIsCreationOrder(t *testing.T) {
	p := NewPeripherals()
	var ids []uint32
	for i := 0; i < 3; i++ {
		id := p.Reserve()
		p.Insert(&PeripheralRecord{ID: id, Name: "p"})
		ids = append(ids, id)
	}
	list := p.List()
	if len(list) != 3 {
		t.Fatalf("got %d records, want 3", len(list))
	}
	for i, rec := range list {
		if rec.ID != ids[i] {
			t.Fatalf("list[%d].ID = %d, want %d", i, rec.ID, ids[i])
		}
	}
}
