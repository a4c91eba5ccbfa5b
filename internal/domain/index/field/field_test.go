package field

import (
	"encoding/json"
	"testing"

	"github.com/kailas-cloud/amcat/internal/domain/role"
)

func TestNew_Valid(t *testing.T) {
	f, err := New("title", Text, "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Name() != "title" || f.FieldType() != Text || f.Visibility() != Public {
		t.Errorf("unexpected field %+v", f)
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		ft   Type
		vis  Visibility
		dims int
	}{
		{"empty name", "", Text, Public, 0},
		{"reserved", IDField, Keyword, Public, 0},
		{"query axis", QueryAxis, Keyword, Public, 0},
		{"bad chars", "a.b", Keyword, Public, 0},
		{"leading digit", "1abc", Keyword, Public, 0},
		{"bad type", "x", Type("geo"), Public, 0},
		{"bad visibility", "x", Text, Visibility("secret"), 0},
		{"vector no dims", "emb", Vector, Public, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.fn, tc.ft, tc.vis, tc.dims); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_DropsDimensionsForScalars(t *testing.T) {
	f, err := New("n", Long, Public, 12)
	if err != nil {
		t.Fatal(err)
	}
	if f.Dimensions() != 0 {
		t.Errorf("dimensions = %d, want 0", f.Dimensions())
	}
}

func TestTypePredicates(t *testing.T) {
	if !Tag.IsKeyword() || !URL.IsKeyword() || Text.IsKeyword() {
		t.Error("keyword predicate")
	}
	if Keyword.Rangeable() || !Date.Rangeable() || !Double.Rangeable() {
		t.Error("rangeable predicate")
	}
	if Text.Termable() || Text.Sortable() || Vector.Sortable() {
		t.Error("text and vector are neither termable nor sortable")
	}
}

func TestVisibleTo(t *testing.T) {
	pub := Reconstruct("a", Keyword, Public, 0)
	meta := Reconstruct("b", Keyword, Metadata, 0)
	adm := Reconstruct("c", Keyword, AdminOnly, 0)

	tests := []struct {
		lvl              role.Level
		pubV, metaV, adV bool
	}{
		{role.None, false, false, false},
		{role.Reader, true, false, false},
		{role.MetaReader, true, true, false},
		{role.Writer, true, true, false},
		{role.Admin, true, true, true},
	}
	for _, tc := range tests {
		if pub.VisibleTo(tc.lvl) != tc.pubV || meta.VisibleTo(tc.lvl) != tc.metaV || adm.VisibleTo(tc.lvl) != tc.adV {
			t.Errorf("visibility mismatch at %s", tc.lvl)
		}
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		f       Field
		in      any
		want    any
		wantErr bool
	}{
		{"date plain", Reconstruct("d", Date, Public, 0), "2024-01-01", "2024-01-01T00:00:00Z", false},
		{"date rfc3339", Reconstruct("d", Date, Public, 0), "2024-01-01T10:00:00+02:00", "2024-01-01T08:00:00Z", false},
		{"date garbage", Reconstruct("d", Date, Public, 0), "yesterday", nil, true},
		{"date number", Reconstruct("d", Date, Public, 0), 12.0, nil, true},
		{"long", Reconstruct("i", Long, Public, 0), 3.0, int64(3), false},
		{"long from string", Reconstruct("i", Long, Public, 0), "42", int64(42), false},
		{"long fraction", Reconstruct("i", Long, Public, 0), 3.5, nil, true},
		{"long beyond 2^53", Reconstruct("i", Long, Public, 0), json.Number("9007199254740993"), int64(9007199254740993), false},
		{"long string beyond 2^53", Reconstruct("i", Long, Public, 0), "9007199254740993", int64(9007199254740993), false},
		{"long exponent", Reconstruct("i", Long, Public, 0), json.Number("1e3"), int64(1000), false},
		{"long overflow", Reconstruct("i", Long, Public, 0), json.Number("99999999999999999999"), nil, true},
		{"double from number", Reconstruct("x", Double, Public, 0), json.Number("0.25"), 0.25, false},
		{"double", Reconstruct("x", Double, Public, 0), "2.5", 2.5, false},
		{"double bad", Reconstruct("x", Double, Public, 0), "abc", nil, true},
		{"keyword", Reconstruct("k", Keyword, Public, 0), "a", "a", false},
		{"keyword number", Reconstruct("k", Keyword, Public, 0), 1.0, nil, true},
		{"bool", Reconstruct("b", Boolean, Public, 0), "true", true, false},
		{"nil passes", Reconstruct("k", Keyword, Public, 0), nil, nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.f.Coerce(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if !tc.wantErr && got != tc.want {
				t.Errorf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestCoerce_TagsAndVectors(t *testing.T) {
	tags := Reconstruct("tags", Tag, Public, 0)
	got, err := tags.Coerce([]any{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if s := got.([]string); len(s) != 2 || s[1] != "b" {
		t.Errorf("tags = %v", got)
	}
	if _, err := tags.Coerce([]any{"a", 1.0}); err == nil {
		t.Error("mixed tag list should fail")
	}

	vec := Reconstruct("emb", Vector, Public, 3)
	got, err = vec.Coerce([]any{1.0, 2.0, 3.0})
	if err != nil {
		t.Fatal(err)
	}
	if v := got.([]float32); len(v) != 3 || v[2] != 3 {
		t.Errorf("vector = %v", got)
	}
	if _, err := vec.Coerce([]any{1.0}); err == nil {
		t.Error("wrong dimension should fail")
	}
}

func TestInfer(t *testing.T) {
	tests := []struct {
		in   any
		want Type
		ok   bool
	}{
		{"x", Text, true},
		{1.0, Double, true},
		{true, Boolean, true},
		{[]any{"a"}, Tag, true},
		{[]any{1.0}, "", false},
		{map[string]any{}, "", false},
	}
	for _, tc := range tests {
		got, ok := Infer(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Infer(%v) = %s,%v want %s,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
