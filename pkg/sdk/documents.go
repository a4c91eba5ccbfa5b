package amcat

import (
	"context"
	"fmt"
	"time"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/engine"
	documentuc "github.com/kailas-cloud/amcat/internal/usecase/document"
)

// DocumentService manages documents within a single index.
type DocumentService struct {
	index   string
	subject domain.Subject
	svc     documentUseCase
	obs     *observer
}

// Upload indexes documents. A document without "_id" gets an id derived
// from its content. Per-item failures are reported in the result; the
// returned error wraps ErrPartialWriteFailure when some items failed.
func (s *DocumentService) Upload(ctx context.Context, docs []map[string]any) (_ UploadResult, err error) {
	start := time.Now()
	defer func() { s.obs.observe("upload_documents", s.index, start, err) }()

	res, err := s.svc.Upload(ctx, s.subject, s.index, docs)
	if res == nil {
		return UploadResult{}, fmt.Errorf("upload: %w", err)
	}
	out := UploadResult{
		Items:       fromBatchResults(res.Items),
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		FieldsAdded: res.FieldsAdded,
	}
	if err != nil {
		return out, fmt.Errorf("upload: %w", err)
	}
	return out, nil
}

// Get retrieves a document by ID, restricted to fields when given.
func (s *DocumentService) Get(ctx context.Context, id string, fields ...string) (_ map[string]any, err error) {
	start := time.Now()
	defer func() { s.obs.observe("get_document", s.index, start, err) }()

	d, err := s.svc.Get(ctx, s.subject, s.index, id, fields)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return d.Fields(), nil
}

// Update merges fields into an existing document.
func (s *DocumentService) Update(ctx context.Context, id string, fields map[string]any) (err error) {
	start := time.Now()
	defer func() { s.obs.observe("update_document", s.index, start, err) }()

	if err = s.svc.Update(ctx, s.subject, s.index, id, fields); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// Delete removes a document by ID.
func (s *DocumentService) Delete(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { s.obs.observe("delete_document", s.index, start, err) }()

	if err = s.svc.Delete(ctx, s.subject, s.index, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// AddTag adds tag to the tag field of every document matching q.
// It returns the number of documents changed.
func (s *DocumentService) AddTag(ctx context.Context, q Query, tagField, tag string) (int64, error) {
	return s.updateTags(ctx, q, tagField, engine.TagAdd, tag)
}

// RemoveTag removes tag from the tag field of every document matching q.
func (s *DocumentService) RemoveTag(ctx context.Context, q Query, tagField, tag string) (int64, error) {
	return s.updateTags(ctx, q, tagField, engine.TagRemove, tag)
}

func (s *DocumentService) updateTags(
	ctx context.Context, q Query, tagField string, action engine.TagAction, tag string,
) (n int64, err error) {
	start := time.Now()
	defer func() { s.obs.observe("update_tags", s.index, start, err) }()

	n, err = s.svc.UpdateTags(ctx, s.subject, s.index, documentuc.TagRequest{
		Query:  toInternalSpec(q),
		Field:  tagField,
		Action: action,
		Value:  tag,
	})
	if err != nil {
		return 0, fmt.Errorf("update tags: %w", err)
	}
	return n, nil
}
