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
	"github.com/kailas-cloud/amcat/internal/engine"
	analysisuc "github.com/kailas-cloud/amcat/internal/usecase/analysis"
	documentuc "github.com/kailas-cloud/amcat/internal/usecase/document"
	indexuc "github.com/kailas-cloud/amcat/internal/usecase/index"
	queryuc "github.com/kailas-cloud/amcat/internal/usecase/query"
)

// --- IndexService ---

func TestIndexService_Create(t *testing.T) {
	mock := &mockIndexUC{
		createFn: func(_ context.Context, s domain.Subject, name string, fields []field.Field, guest bool) (indexuc.Info, error) {
			if s != alice {
				t.Errorf("subject = %+v, want alice", s)
			}
			if name != "news" || !guest {
				t.Errorf("name = %q guest = %v", name, guest)
			}
			if len(fields) != 2 {
				t.Fatalf("fields = %d, want 2", len(fields))
			}
			if fields[0].Visibility() != field.Public {
				t.Errorf("default visibility = %q, want public", fields[0].Visibility())
			}
			if fields[1].Dimensions() != 3 {
				t.Errorf("dimensions = %d, want 3", fields[1].Dimensions())
			}
			return testInfo(role.Admin), nil
		},
	}

	c := testClient(mock, nil, nil, nil)
	info, err := c.Indices().Create(context.Background(), "news", []Field{
		{Name: "title", Type: FieldText},
		{Name: "emb", Type: FieldVector, Visibility: VisibilityMetadata, Dimensions: 3},
	}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Name != "news" || info.Owner != "alice" || !info.GuestReadable {
		t.Errorf("info = %+v", info)
	}
	if info.Role != RoleAdmin {
		t.Errorf("Role = %q, want ADMIN", info.Role)
	}
	if info.Version != 4 {
		t.Errorf("Version = %d, want 4", info.Version)
	}
	if want := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC); !info.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", info.CreatedAt, want)
	}
	if len(info.Fields) != 3 {
		t.Errorf("admin sees %d fields, want 3", len(info.Fields))
	}
}

func TestIndexService_Create_InvalidField(t *testing.T) {
	mock := &mockIndexUC{
		createFn: func(context.Context, domain.Subject, string, []field.Field, bool) (indexuc.Info, error) {
			t.Fatal("use case must not be called")
			return indexuc.Info{}, nil
		},
	}

	c := testClient(mock, nil, nil, nil)
	_, err := c.Indices().Create(context.Background(), "news", []Field{{Name: "emb", Type: FieldVector}}, false)
	if !errors.Is(err, ErrInvalidField) {
		t.Fatalf("err = %v, want ErrInvalidField", err)
	}
}

func TestIndexService_Get_VisibleFields(t *testing.T) {
	mock := &mockIndexUC{
		getFn: func(context.Context, domain.Subject, string) (indexuc.Info, error) {
			return testInfo(role.Writer), nil
		},
	}

	c := testClient(mock, nil, nil, nil)
	info, err := c.Indices().Get(context.Background(), "news")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(info.Fields) != 2 {
		t.Fatalf("fields = %+v, want emb and title", info.Fields)
	}
	for _, f := range info.Fields {
		if f.Name == "notes" {
			t.Error("admin-only field leaked to a writer")
		}
	}
}

func TestIndexService_Get_NotFound(t *testing.T) {
	mock := &mockIndexUC{
		getFn: func(context.Context, domain.Subject, string) (indexuc.Info, error) {
			return indexuc.Info{}, domain.ErrNotFound
		},
	}

	c := testClient(mock, nil, nil, nil)
	_, err := c.Indices().Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestIndexService_List(t *testing.T) {
	mock := &mockIndexUC{
		listFn: func(_ context.Context, _ domain.Subject, req indexuc.ListRequest) (*indexuc.ListResult, error) {
			if req.Prefix != "ne" || req.Cursor != "c1" || req.Limit != 10 {
				t.Errorf("req = %+v", req)
			}
			return &indexuc.ListResult{Items: []indexuc.Info{testInfo(role.Reader)}, NextCursor: "c2"}, nil
		},
	}

	c := testClient(mock, nil, nil, nil)
	list, err := c.Indices().List(context.Background(), "ne", "c1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list.Indices) != 1 || list.NextCursor != "c2" {
		t.Errorf("list = %+v", list)
	}
	if list.Indices[0].Role != RoleReader {
		t.Errorf("Role = %q, want READER", list.Indices[0].Role)
	}
}

func TestIndexService_AddFields_Conflict(t *testing.T) {
	mock := &mockIndexUC{
		addFieldsFn: func(_ context.Context, _ domain.Subject, _ string, _ []field.Field, expected int64) (indexuc.Info, error) {
			if expected != 3 {
				t.Errorf("expected = %d, want 3", expected)
			}
			return indexuc.Info{}, domain.NewConcurrentModification(4)
		},
	}

	c := testClient(mock, nil, nil, nil)
	_, err := c.Indices().AddFields(context.Background(), "news", []Field{{Name: "tags", Type: FieldTag}}, 3)
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("err = %v, want ErrConcurrentModification", err)
	}
	var cm *domain.ConcurrentModificationError
	if !errors.As(err, &cm) || cm.CurrentVersion != 4 {
		t.Errorf("current version not exposed: %v", err)
	}
}

func TestIndexService_SetGuestReadable(t *testing.T) {
	mock := &mockIndexUC{
		setGuestFn: func(_ context.Context, _ domain.Subject, _ string, guest bool, expected int64) (indexuc.Info, error) {
			if guest || expected != AnyVersion {
				t.Errorf("guest = %v expected = %d", guest, expected)
			}
			return testInfo(role.Admin), nil
		},
	}

	c := testClient(mock, nil, nil, nil)
	if _, err := c.Indices().SetGuestReadable(context.Background(), "news", false, AnyVersion); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIndexService_Roles(t *testing.T) {
	mock := &mockIndexUC{
		listRolesFn: func(context.Context, domain.Subject, string) ([]role.Assignment, error) {
			return []role.Assignment{{Subject: "bob", Index: "news", Level: role.MetaReader, Version: 2}}, nil
		},
		grantFn: func(_ context.Context, _ domain.Subject, _, target string, lvl role.Level, expected int64) (role.Assignment, error) {
			if target != "bob" || lvl != role.Writer || expected != 2 {
				t.Errorf("grant target=%q lvl=%v expected=%d", target, lvl, expected)
			}
			return role.Assignment{Subject: target, Index: "news", Level: lvl, Version: 3}, nil
		},
		revokeFn: func(_ context.Context, _ domain.Subject, _, target string, expected int64) error {
			if target != "bob" || expected != 3 {
				t.Errorf("revoke target=%q expected=%d", target, expected)
			}
			return nil
		},
	}

	c := testClient(mock, nil, nil, nil)
	ctx := context.Background()

	roles, err := c.Indices().Roles(ctx, "news")
	if err != nil {
		t.Fatalf("Roles: %v", err)
	}
	if len(roles) != 1 || roles[0] != (RoleAssignment{Subject: "bob", Role: RoleMetaReader, Version: 2}) {
		t.Errorf("roles = %+v", roles)
	}

	a, err := c.Indices().Grant(ctx, "news", "bob", RoleWriter, 2)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if a.Role != RoleWriter || a.Version != 3 {
		t.Errorf("assignment = %+v", a)
	}

	if err := c.Indices().Revoke(ctx, "news", "bob", 3); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
}

func TestIndexService_Grant_UnknownRole(t *testing.T) {
	c := testClient(&mockIndexUC{}, nil, nil, nil)
	_, err := c.Indices().Grant(context.Background(), "news", "bob", Role("OWNER"), AnyVersion)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestIndexService_Delete(t *testing.T) {
	var deleted string
	mock := &mockIndexUC{
		deleteFn: func(_ context.Context, _ domain.Subject, name string) error {
			deleted = name
			return nil
		},
	}

	c := testClient(mock, nil, nil, nil)
	if err := c.Indices().Delete(context.Background(), "news"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != "news" {
		t.Errorf("deleted = %q", deleted)
	}
}

// --- DocumentService ---

func TestDocumentService_Upload_Partial(t *testing.T) {
	mock := &mockDocumentUC{
		uploadFn: func(_ context.Context, _ domain.Subject, name string, raw []map[string]any) (*documentuc.UploadResult, error) {
			if name != "news" || len(raw) != 2 {
				t.Errorf("name = %q raw = %d", name, len(raw))
			}
			res := &documentuc.UploadResult{
				Items: []dombatch.Result{
					dombatch.NewOK(0, "a"),
					dombatch.NewError(1, "b", domain.ErrInvalidField),
				},
				Succeeded: 1,
				Failed:    1,
			}
			return res, domain.WrapOp(name, "upload_documents", domain.ErrPartialWriteFailure)
		},
	}

	c := testClient(nil, mock, nil, nil)
	res, err := c.Documents("news").Upload(context.Background(), []map[string]any{
		{"_id": "a", "title": "x"},
		{"_id": "b", "bogus": 1},
	})
	if !errors.Is(err, ErrPartialWriteFailure) {
		t.Fatalf("err = %v, want ErrPartialWriteFailure", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 || len(res.Items) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if !res.Items[0].OK() || res.Items[1].OK() {
		t.Errorf("items = %+v", res.Items)
	}
	if res.Items[1].Position != 1 || !errors.Is(res.Items[1].Err, ErrInvalidField) {
		t.Errorf("item 1 = %+v", res.Items[1])
	}
}

func TestDocumentService_Upload_Error(t *testing.T) {
	mock := &mockDocumentUC{
		uploadFn: func(context.Context, domain.Subject, string, []map[string]any) (*documentuc.UploadResult, error) {
			return nil, domain.ErrForbidden
		},
	}

	c := testClient(nil, mock, nil, nil)
	_, err := c.Documents("news").Upload(context.Background(), []map[string]any{{"title": "x"}})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestDocumentService_GetUpdateDelete(t *testing.T) {
	var updated, deleted bool
	mock := &mockDocumentUC{
		getFn: func(_ context.Context, _ domain.Subject, _, id string, fields []string) (domdoc.Document, error) {
			if id != "a" || len(fields) != 1 || fields[0] != "title" {
				t.Errorf("id = %q fields = %v", id, fields)
			}
			return domdoc.Reconstruct("a", map[string]any{"title": "x"}), nil
		},
		updateFn: func(_ context.Context, _ domain.Subject, _, id string, raw map[string]any) error {
			updated = id == "a" && raw["title"] == "y"
			return nil
		},
		deleteFn: func(_ context.Context, _ domain.Subject, _, id string) error {
			deleted = id == "a"
			return nil
		},
	}

	c := testClient(nil, mock, nil, nil)
	docs := c.Documents("news")
	ctx := context.Background()

	doc, err := docs.Get(ctx, "a", "title")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc["title"] != "x" {
		t.Errorf("doc = %v", doc)
	}
	if err := docs.Update(ctx, "a", map[string]any{"title": "y"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := docs.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !updated || !deleted {
		t.Errorf("updated = %v deleted = %v", updated, deleted)
	}
}

func TestDocumentService_Tags(t *testing.T) {
	var actions []engine.TagAction
	mock := &mockDocumentUC{
		updateTagsFn: func(_ context.Context, _ domain.Subject, _ string, req documentuc.TagRequest) (int64, error) {
			if req.Field != "tags" || req.Value != "climate" {
				t.Errorf("req = %+v", req)
			}
			if req.Query.Queries["q"] != "warming" {
				t.Errorf("query = %+v", req.Query)
			}
			actions = append(actions, req.Action)
			return 5, nil
		},
	}

	c := testClient(nil, mock, nil, nil)
	q := Query{Queries: map[string]string{"q": "warming"}}
	n, err := c.Documents("news").AddTag(context.Background(), q, "tags", "climate")
	if err != nil || n != 5 {
		t.Fatalf("AddTag = %d, %v", n, err)
	}
	if _, err := c.Documents("news").RemoveTag(context.Background(), q, "tags", "climate"); err != nil {
		t.Fatalf("RemoveTag: %v", err)
	}
	if len(actions) != 2 || actions[0] != engine.TagAdd || actions[1] != engine.TagRemove {
		t.Errorf("actions = %v", actions)
	}
}

// --- QueryService ---

func TestQueryService_Search(t *testing.T) {
	exists := true
	mock := &mockQueryUC{
		searchFn: func(_ context.Context, _ domain.Subject, name string, spec domquery.Spec) (*queryuc.Result, error) {
			if name != "news" {
				t.Errorf("name = %q", name)
			}
			if len(spec.Sort) != 2 || !spec.Sort[0].Desc || spec.Sort[0].Field != "date" || spec.Sort[1].Desc {
				t.Errorf("sort = %+v", spec.Sort)
			}
			f := spec.Filters["date"]
			if f.GTE != "2024-01-01" || f.Exists == nil || !*f.Exists {
				t.Errorf("filter = %+v", f)
			}
			if spec.Page != 2 || spec.PerPage != 5 || spec.Cursor != "" {
				t.Errorf("paging = %d/%d/%q", spec.Page, spec.PerPage, spec.Cursor)
			}
			if len(spec.QueryFields) != 1 || spec.QueryFields[0] != "title" {
				t.Errorf("query fields = %v", spec.QueryFields)
			}
			return &queryuc.Result{
				Hits:       []queryuc.Hit{{ID: "a", Score: 1.5, Fields: map[string]any{"title": "x"}}},
				Total:      11,
				NextCursor: "next",
			}, nil
		},
	}

	c := testClient(nil, nil, mock, nil)
	res, err := c.Query("news").Search(context.Background(), Query{
		Queries: map[string]string{"q": "climate"},
		Fields:  []string{"title"},
		Filters: map[string]Filter{"date": {GTE: "2024-01-01", Exists: &exists}},
		Sort:    []string{"-date", "title"},
		Page:    2,
		PerPage: 5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Total != 11 || res.NextCursor != "next" || len(res.Hits) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Hits[0].ID != "a" || res.Hits[0].Score != 1.5 {
		t.Errorf("hit = %+v", res.Hits[0])
	}
}

func TestQueryService_Search_TooExpensive(t *testing.T) {
	mock := &mockQueryUC{
		searchFn: func(context.Context, domain.Subject, string, domquery.Spec) (*queryuc.Result, error) {
			return nil, domain.ErrQueryTooExpensive
		},
	}

	c := testClient(nil, nil, mock, nil)
	_, err := c.Query("news").Search(context.Background(), Query{Page: 500})
	if !errors.Is(err, ErrQueryTooExpensive) {
		t.Fatalf("err = %v, want ErrQueryTooExpensive", err)
	}
}

func TestQueryService_Aggregate(t *testing.T) {
	mock := &mockQueryUC{
		aggregateFn: func(_ context.Context, _ domain.Subject, _ string, spec domquery.Spec) (*queryuc.AggregateResult, error) {
			agg := spec.Aggregation
			if agg == nil || len(agg.Axes) != 1 || agg.Axes[0].Interval != "month" {
				t.Fatalf("aggregation = %+v", agg)
			}
			if len(agg.Metrics) != 1 || agg.Metrics[0].Column() != "avg_words" {
				t.Errorf("metrics = %+v", agg.Metrics)
			}
			return &queryuc.AggregateResult{
				Columns: []string{"date", "n", "avg_words"},
				Rows:    []map[string]any{{"date": "2024-01-01", "n": int64(3), "avg_words": 120.0}},
			}, nil
		},
	}

	c := testClient(nil, nil, mock, nil)
	res, err := c.Query("news").Aggregate(context.Background(), Query{}, Aggregation{
		Axes:    []Axis{{Field: "date", Interval: "month"}},
		Metrics: []Metric{{Field: "words", Function: "avg"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Columns) != 3 || len(res.Rows) != 1 || res.Rows[0]["n"] != int64(3) {
		t.Errorf("result = %+v", res)
	}
}

func TestQueryService_SeveralIndices(t *testing.T) {
	mock := &mockQueryUC{
		aggregateFn: func(_ context.Context, _ domain.Subject, name string, spec domquery.Spec) (*queryuc.AggregateResult, error) {
			if name != "news,blogs" {
				t.Errorf("name = %q", name)
			}
			agg := spec.Aggregation
			if agg.Axes[0].Column() != "outlet" || agg.Metrics[0].Column() != "length" {
				t.Errorf("columns = %q %q", agg.Axes[0].Column(), agg.Metrics[0].Column())
			}
			return &queryuc.AggregateResult{Columns: []string{"outlet", "n", "length"}}, nil
		},
	}

	c := testClient(nil, nil, mock, nil)
	res, err := c.Query("news", "blogs").Aggregate(context.Background(), Query{}, Aggregation{
		Axes:    []Axis{{Field: "publisher", Name: "outlet"}},
		Metrics: []Metric{{Field: "words", Function: "avg", Name: "length"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Columns) != 3 || res.Columns[0] != "outlet" {
		t.Errorf("columns = %v", res.Columns)
	}
}

func TestQueryService_FieldValues(t *testing.T) {
	mock := &mockQueryUC{
		valuesFn: func(_ context.Context, _ domain.Subject, _, fieldName string) ([]any, error) {
			if fieldName != "publisher" {
				t.Errorf("field = %q", fieldName)
			}
			return []any{"a", "b"}, nil
		},
	}

	c := testClient(nil, nil, mock, nil)
	vals, err := c.Query("news").FieldValues(context.Background(), "publisher")
	if err != nil || len(vals) != 2 {
		t.Fatalf("FieldValues = %v, %v", vals, err)
	}
}

func TestQueryService_Analyze(t *testing.T) {
	mock := &mockAnalysisUC{
		runFn: func(_ context.Context, _ domain.Subject, _ string, req analysisuc.Request) (*analysisuc.Result, error) {
			if req.SourceField != "title" || req.TargetField != "emb" || !req.Overwrite {
				t.Errorf("req = %+v", req)
			}
			if _, ok := req.Filters["publisher"]; !ok {
				t.Errorf("filters = %+v", req.Filters)
			}
			return &analysisuc.Result{
				Items:     []dombatch.Result{dombatch.NewOK(0, "a")},
				Succeeded: 1,
				Skipped:   2,
			}, nil
		},
	}

	c := testClient(nil, nil, nil, mock)
	res, err := c.Query("news").Analyze(context.Background(), AnalysisRequest{
		SourceField: "title",
		TargetField: "emb",
		Filters:     map[string]Filter{"publisher": {Values: []any{"nyt"}}},
		Overwrite:   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Succeeded != 1 || res.Skipped != 2 || len(res.Items) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestQueryService_Analyze_Disabled(t *testing.T) {
	mock := &mockAnalysisUC{
		runFn: func(context.Context, domain.Subject, string, analysisuc.Request) (*analysisuc.Result, error) {
			return nil, domain.ErrNotImplemented
		},
	}

	c := testClient(nil, nil, nil, mock)
	_, err := c.Query("news").Analyze(context.Background(), AnalysisRequest{SourceField: "title", TargetField: "emb"})
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("err = %v, want ErrNotImplemented", err)
	}
}
