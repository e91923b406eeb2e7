package rmstore

import "encoding/json"

// Record is the JSON envelope persisted at version and metadata znodes (the
// version node and epoch node use it; application/attempt/token blobs are opaque
// bytes produced by the external record codec, SPEC_FULL.md §6, and are never
// unmarshaled into a Record).
//
// The shape (id + simpleFields/listFields/mapFields) mirrors the envelope the
// teacher's Record type used for Helix state-model documents; only the shape
// survives here, repurposed for small self-describing metadata blobs rather than
// state-model schemas.
type Record struct {
	ID           string                       `json:"id"`
	SimpleFields map[string]string            `json:"simpleFields"`
	ListFields   map[string][]string          `json:"listFields"`
	MapFields    map[string]map[string]string `json:"mapFields"`
}

// NewRecord creates an empty Record with the given id.
func NewRecord(id string) *Record {
	return &Record{
		ID:           id,
		SimpleFields: map[string]string{},
		ListFields:   map[string][]string{},
		MapFields:    map[string]map[string]string{},
	}
}

// NewRecordFromBytes decodes a Record previously produced by Marshal.
func NewRecordFromBytes(data []byte) (*Record, error) {
	r := NewRecord("")
	if len(data) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Marshal encodes the Record as JSON.
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// SetSimpleField sets a scalar field.
func (r *Record) SetSimpleField(key, value string) {
	if r.SimpleFields == nil {
		r.SimpleFields = map[string]string{}
	}
	r.SimpleFields[key] = value
}

// GetSimpleField returns a scalar field, or "" if absent.
func (r *Record) GetSimpleField(key string) string {
	if r.SimpleFields == nil {
		return ""
	}
	return r.SimpleFields[key]
}

// versionRecordID names the fixed id used for RMVersionNode's Record.
const versionRecordID = "RMVersionNode"

// epochRecordID names the fixed id used for EpochNode's Record.
const epochRecordID = "EpochNode"

// Version is the persisted (major, minor) pair described in SPEC_FULL.md §3.2.
type Version struct {
	Major int
	Minor int
}

// CurrentVersion is the version this binary writes when none is persisted.
var CurrentVersion = Version{Major: 1, Minor: 2}

func versionToRecord(v Version) *Record {
	r := NewRecord(versionRecordID)
	r.SetSimpleField("major", itoa(v.Major))
	r.SetSimpleField("minor", itoa(v.Minor))
	return r
}

func versionFromRecord(r *Record) Version {
	return Version{
		Major: atoiOr(r.GetSimpleField("major"), CurrentVersion.Major),
		Minor: atoiOr(r.GetSimpleField("minor"), CurrentVersion.Minor),
	}
}

func epochToRecord(epoch uint64) *Record {
	r := NewRecord(epochRecordID)
	r.SetSimpleField("epoch", uitoa(epoch))
	return r
}

func epochFromRecord(r *Record) uint64 {
	return uatoiOr(r.GetSimpleField("epoch"), 0)
}
