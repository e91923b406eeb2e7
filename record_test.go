package rmstore

import "testing"

func TestRecordSimpleFieldRoundTrip(t *testing.T) {
	t.Parallel()

	r := NewRecord("app_1")
	r.SetSimpleField("STATE", "RUNNING")

	data, err := r.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	decoded, err := NewRecordFromBytes(data)
	if err != nil {
		t.Fatalf("NewRecordFromBytes failed: %v", err)
	}

	if got := decoded.GetSimpleField("STATE"); got != "RUNNING" {
		t.Errorf("GetSimpleField(STATE) = %q, want RUNNING", got)
	}
	if decoded.ID != "app_1" {
		t.Errorf("ID = %q, want app_1", decoded.ID)
	}
}

func TestEpochRecordRoundTrip(t *testing.T) {
	t.Parallel()

	rec := epochToRecord(42)
	data, err := rec.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	decoded, err := NewRecordFromBytes(data)
	if err != nil {
		t.Fatalf("NewRecordFromBytes failed: %v", err)
	}

	if got := epochFromRecord(decoded); got != 42 {
		t.Errorf("epochFromRecord() = %d, want 42", got)
	}
}

func TestVersionRecordRoundTrip(t *testing.T) {
	t.Parallel()

	rec := versionToRecord(Version{Major: 1, Minor: 2})
	data, err := rec.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	decoded, err := NewRecordFromBytes(data)
	if err != nil {
		t.Fatalf("NewRecordFromBytes failed: %v", err)
	}

	v := versionFromRecord(decoded)
	if v.Major != 1 || v.Minor != 2 {
		t.Errorf("versionFromRecord() = %+v, want {1 2}", v)
	}
}
