package amcat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kailas-cloud/amcat/internal/domain"
	dombatch "github.com/kailas-cloud/amcat/internal/domain/batch"
	domdoc "github.com/kailas-cloud/amcat/internal/domain/document"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	domquery "github.com/kailas-cloud/amcat/internal/domain/query"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	documentuc "github.com/kailas-cloud/amcat/internal/usecase/document"
	indexuc "github.com/kailas-cloud/amcat/internal/usecase/index"
	queryuc "github.com/kailas-cloud/amcat/internal/usecase/query"
)

type article struct {
	ID        string    `amcat:"_id"`
	Title     string    `amcat:"title"`
	Publisher string    `amcat:"publisher,keyword"`
	Date      time.Time `amcat:"date"`
	Words     int       `amcat:"words"`
	Tags      []string  `amcat:"tags"`
	Notes     string    `amcat:"notes,text,admin"`
	Emb       []float32 `amcat:"emb,metadata,dims=3"`
	Internal  string
}

type noFields struct {
	ID string `amcat:"_id"`
}

type badModifier struct {
	Title string `amcat:"title,fancy"`
}

type duplicateName struct {
	A string `amcat:"title"`
	B string `amcat:"title"`
}

func TestParseSchema(t *testing.T) {
	meta, err := parseSchema[article]()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.idIdx != 0 {
		t.Errorf("idIdx = %d, want 0", meta.idIdx)
	}
	want := []Field{
		{Name: "title", Type: FieldText},
		{Name: "publisher", Type: FieldKeyword},
		{Name: "date", Type: FieldDate},
		{Name: "words", Type: FieldLong},
		{Name: "tags", Type: FieldTag},
		{Name: "notes", Type: FieldText, Visibility: VisibilityAdmin},
		{Name: "emb", Type: FieldVector, Visibility: VisibilityMetadata, Dimensions: 3},
	}
	if len(meta.fields) != len(want) {
		t.Fatalf("fields = %+v", meta.fields)
	}
	for i := range want {
		if meta.fields[i] != want[i] {
			t.Errorf("field %d = %+v, want %+v", i, meta.fields[i], want[i])
		}
	}
}

func TestParseSchema_Errors(t *testing.T) {
	if _, err := parseSchema[int](); err == nil {
		t.Error("expected error for non-struct type")
	}
	if _, err := parseSchema[noFields](); err == nil {
		t.Error("expected error without fields")
	}
	if _, err := parseSchema[badModifier](); err == nil {
		t.Error("expected error for unknown modifier")
	}
	if _, err := parseSchema[duplicateName](); err == nil {
		t.Error("expected error for duplicate field name")
	}
}

func TestSchema_RoundTrip(t *testing.T) {
	meta, err := parseSchema[article]()
	if err != nil {
		t.Fatalf("parseSchema: %v", err)
	}
	date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := meta.toDocument(article{
		ID: "a1", Title: "Storm", Date: date, Words: 250,
		Tags: []string{"weather"}, Internal: "skip",
	})
	if doc["_id"] != "a1" || doc["title"] != "Storm" {
		t.Errorf("doc = %v", doc)
	}
	if doc["date"] != "2024-03-01T12:00:00Z" {
		t.Errorf("date = %v", doc["date"])
	}
	if _, ok := doc["notes"]; ok {
		t.Error("zero value must be omitted")
	}
	if _, ok := doc["Internal"]; ok {
		t.Error("untagged field must be skipped")
	}

	// Values as an engine returns them after a JSON round trip.
	v, err := meta.fromDocument("a1", map[string]any{
		"title": "Storm",
		"date":  "2024-03-01T12:00:00Z",
		"words": float64(250),
		"tags":  "weather",
		"emb":   []any{0.5, 1.0, 1.5},
	})
	if err != nil {
		t.Fatalf("fromDocument: %v", err)
	}
	got := v.(article)
	if got.ID != "a1" || got.Title != "Storm" || got.Words != 250 || !got.Date.Equal(date) {
		t.Errorf("item = %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "weather" {
		t.Errorf("tags = %v", got.Tags)
	}
	if len(got.Emb) != 3 || got.Emb[2] != 1.5 {
		t.Errorf("emb = %v", got.Emb)
	}
}

func TestSchema_FromDocument_BadValue(t *testing.T) {
	meta, err := parseSchema[article]()
	if err != nil {
		t.Fatalf("parseSchema: %v", err)
	}
	if _, err := meta.fromDocument("a1", map[string]any{"words": true}); err == nil {
		t.Fatal("expected error for bool in a long field")
	}
}

func TestTypedIndex_EnsureCreates(t *testing.T) {
	var created []field.Field
	mock := &mockIndexUC{
		getFn: func(context.Context, domain.Subject, string) (indexuc.Info, error) {
			return indexuc.Info{}, domain.WrapOp("news", "get_index", domain.ErrNotFound)
		},
		createFn: func(_ context.Context, _ domain.Subject, _ string, fields []field.Field, _ bool) (indexuc.Info, error) {
			created = fields
			return testInfo(role.Admin), nil
		},
	}

	idx, err := NewIndex[article](testClient(mock, nil, nil, nil), "news")
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if err := idx.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(created) != 7 {
		t.Errorf("created %d fields, want 7", len(created))
	}
}

func TestTypedIndex_EnsureAddsMissing(t *testing.T) {
	var added []field.Field
	var expected int64
	mock := &mockIndexUC{
		getFn: func(context.Context, domain.Subject, string) (indexuc.Info, error) {
			return testInfo(role.Admin), nil
		},
		addFieldsFn: func(_ context.Context, _ domain.Subject, _ string, fields []field.Field, exp int64) (indexuc.Info, error) {
			added, expected = fields, exp
			return testInfo(role.Admin), nil
		},
	}

	idx, err := NewIndex[article](testClient(mock, nil, nil, nil), "news")
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if err := idx.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	// testInfo has title, notes and emb.
	if len(added) != 4 {
		t.Errorf("added %d fields, want 4", len(added))
	}
	if expected != 4 {
		t.Errorf("expected version = %d, want 4", expected)
	}
}

func TestTypedIndex_EnsureConflict(t *testing.T) {
	type mismatched struct {
		Title int `amcat:"title"`
	}
	mock := &mockIndexUC{
		getFn: func(context.Context, domain.Subject, string) (indexuc.Info, error) {
			return testInfo(role.Admin), nil
		},
	}

	idx, err := NewIndex[mismatched](testClient(mock, nil, nil, nil), "news")
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if err := idx.Ensure(context.Background()); !errors.Is(err, ErrSchemaConflict) {
		t.Fatalf("err = %v, want ErrSchemaConflict", err)
	}
}

func TestTypedIndex_UploadAndGet(t *testing.T) {
	mock := &mockDocumentUC{
		uploadFn: func(_ context.Context, _ domain.Subject, _ string, raw []map[string]any) (*documentuc.UploadResult, error) {
			if len(raw) != 1 || raw[0]["_id"] != "a1" || raw[0]["words"] != 10 {
				t.Errorf("raw = %v", raw)
			}
			return &documentuc.UploadResult{Items: []dombatch.Result{dombatch.NewOK(0, "a1")}, Succeeded: 1}, nil
		},
		getFn: func(_ context.Context, _ domain.Subject, _, id string, _ []string) (domdoc.Document, error) {
			return domdoc.Reconstruct(id, map[string]any{"title": "Storm", "words": float64(10)}), nil
		},
	}

	idx, err := NewIndex[article](testClient(nil, mock, nil, nil), "news")
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	ctx := context.Background()
	res, err := idx.Upload(ctx, []article{{ID: "a1", Title: "Storm", Words: 10}})
	if err != nil || res.Succeeded != 1 {
		t.Fatalf("Upload = %+v, %v", res, err)
	}

	got, err := idx.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "a1" || got.Title != "Storm" || got.Words != 10 {
		t.Errorf("item = %+v", got)
	}
}

func TestSearchBuilder(t *testing.T) {
	mock := &mockQueryUC{
		searchFn: func(_ context.Context, _ domain.Subject, _ string, spec domquery.Spec) (*queryuc.Result, error) {
			if spec.Queries["q1"] != "storm" || spec.Queries["q2"] != "flood" {
				t.Errorf("queries = %v", spec.Queries)
			}
			if f := spec.Filters["publisher"]; len(f.Values) != 2 {
				t.Errorf("publisher filter = %+v", f)
			}
			if f := spec.Filters["date"]; f.GTE != "2024-01-01" || f.LTE != nil || f.Exists == nil {
				t.Errorf("date filter = %+v", f)
			}
			if len(spec.Sort) != 1 || !spec.Sort[0].Desc || spec.Cursor != "c1" || spec.PerPage != 20 {
				t.Errorf("sort = %+v cursor = %q per page = %d", spec.Sort, spec.Cursor, spec.PerPage)
			}
			return &queryuc.Result{
				Hits:  []queryuc.Hit{{ID: "a1", Score: 2, Fields: map[string]any{"title": "Storm"}}},
				Total: 1,
			}, nil
		},
	}

	idx, err := NewIndex[article](testClient(nil, nil, mock, nil), "news")
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	page, err := idx.Search().
		Query("storm").
		Query("flood").
		Where("publisher", "nyt", "wsj").
		Between("date", "2024-01-01", nil).
		Has("date").
		SortBy("-date").
		Page(0, 20).
		After("c1").
		Do(context.Background())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if page.Total != 1 || len(page.Hits) != 1 {
		t.Fatalf("page = %+v", page)
	}
	if page.Hits[0].Item.ID != "a1" || page.Hits[0].Item.Title != "Storm" || page.Hits[0].Score != 2 {
		t.Errorf("hit = %+v", page.Hits[0])
	}
}
