package registry

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/kailas-cloud/amcat/internal/db"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
)

// fieldRow is the JSON-serializable representation of a field for the record.
type fieldRow struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Visibility string `json:"visibility,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// indexToRecord converts an Index to record fields.
func indexToRecord(idx index.Index) (map[string]string, error) {
	rows := make([]fieldRow, len(idx.Fields()))
	for i, f := range idx.Fields() {
		rows[i] = fieldRow{
			Name:       f.Name(),
			Type:       string(f.FieldType()),
			Visibility: string(f.Visibility()),
			Dimensions: f.Dimensions(),
		}
	}
	fieldsJSON, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	return map[string]string{
		"name":           idx.Name(),
		"physical_id":    idx.PhysicalID(),
		"fields":         string(fieldsJSON),
		"owner":          idx.Owner(),
		"guest_readable": strconv.FormatBool(idx.GuestReadable()),
		"created_at":     strconv.FormatInt(idx.CreatedAt(), 10),
		"state":          string(idx.State()),
	}, nil
}

// indexFromRecord restores an Index from a stored record.
func indexFromRecord(rec *db.Record) (index.Index, error) {
	m := rec.Fields
	var rows []fieldRow
	if raw := m["fields"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rows); err != nil {
			return index.Index{}, fmt.Errorf("unmarshal fields: %w", err)
		}
	}
	fields := make([]field.Field, len(rows))
	for i, r := range rows {
		fields[i] = field.Reconstruct(r.Name, field.Type(r.Type), field.Visibility(r.Visibility), r.Dimensions)
	}

	var createdAt int64
	if v := m["created_at"]; v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return index.Index{}, fmt.Errorf("parse created_at %q: %w", v, err)
		}
		createdAt = parsed
	}
	guest := m["guest_readable"] == "true"

	return index.Reconstruct(
		m["name"], m["physical_id"], fields, m["owner"],
		guest, createdAt, index.State(m["state"]), rec.Version,
	), nil
}
