package document

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kailas-cloud/amcat/internal/domain"
	dombatch "github.com/kailas-cloud/amcat/internal/domain/batch"
	domdoc "github.com/kailas-cloud/amcat/internal/domain/document"
	"github.com/kailas-cloud/amcat/internal/domain/index"
	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/domain/role"
	"github.com/kailas-cloud/amcat/internal/engine"
	"github.com/kailas-cloud/amcat/internal/logger"
	"github.com/kailas-cloud/amcat/internal/metrics"
)

// UploadResult reports one outcome per submitted document, in input order.
type UploadResult struct {
	Items     []dombatch.Result
	Succeeded int
	Failed    int
	// FieldsAdded lists fields registered under the auto policy.
	FieldsAdded []string
}

// Upload validates and indexes a batch of documents. Invalid items fail
// individually; the rest are written in one bulk request. When any item
// fails the result is returned together with an error wrapping
// domain.ErrPartialWriteFailure.
func (s *Service) Upload(ctx context.Context, subject domain.Subject, name string, raw []map[string]any) (*UploadResult, error) {
	op := string(role.OpUploadDocument)
	idx, _, err := s.resolve(ctx, subject, name, role.OpUploadDocument)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, domain.WrapOp(name, op, fmt.Errorf("no documents: %w", domain.ErrInvalidRequest))
	}
	if len(raw) > s.opts.MaxBatchSize {
		return nil, domain.WrapOp(name, op,
			fmt.Errorf("batch of %d exceeds %d documents: %w", len(raw), s.opts.MaxBatchSize, domain.ErrInvalidRequest))
	}

	out := &UploadResult{Items: make([]dombatch.Result, len(raw))}
	if s.opts.FieldPolicy == PolicyAuto {
		idx, out.FieldsAdded, err = s.registerUnknown(ctx, idx, raw)
		if err != nil {
			return nil, domain.WrapOp(name, op, err)
		}
	}

	docs := make([]engine.Document, 0, len(raw))
	positions := make([]int, 0, len(raw))
	for i, item := range raw {
		doc, err := domdoc.Prepare(item, idx)
		if err != nil {
			out.Items[i] = dombatch.NewError(i, explicitID(item), err)
			continue
		}
		docs = append(docs, engine.Document{ID: doc.ID(), Fields: doc.Fields()})
		positions = append(positions, i)
	}

	if len(docs) > 0 {
		outcomes, err := s.eng.IndexDocuments(ctx, idx.PhysicalID(), docs)
		if err != nil {
			return nil, domain.WrapOp(name, op, err)
		}
		if len(outcomes) != len(docs) {
			return nil, domain.WrapOp(name, op,
				fmt.Errorf("engine reported %d outcomes for %d documents", len(outcomes), len(docs)))
		}
		for j, pos := range positions {
			if outcomes[j].Err != nil {
				out.Items[pos] = dombatch.NewError(pos, docs[j].ID, outcomes[j].Err)
				continue
			}
			out.Items[pos] = dombatch.NewOK(pos, docs[j].ID)
		}
	}

	out.Succeeded, out.Failed = dombatch.Count(out.Items)
	metrics.DocumentsWrittenTotal.WithLabelValues("ok").Add(float64(out.Succeeded))
	metrics.DocumentsWrittenTotal.WithLabelValues("error").Add(float64(out.Failed))
	logger.FromContext(ctx).Info("Documents uploaded",
		zap.String("index", name), zap.Int("succeeded", out.Succeeded), zap.Int("failed", out.Failed))
	if out.Failed > 0 {
		return out, domain.WrapOp(name, op,
			fmt.Errorf("%d of %d documents failed: %w", out.Failed, len(raw), domain.ErrPartialWriteFailure))
	}
	return out, nil
}

func explicitID(item map[string]any) string {
	if id, ok := item[domdoc.IDKey].(string); ok {
		return id
	}
	return ""
}

// registerUnknown adds the inferable unknown fields of the batch to the
// mapping and the registry. Items are taken in order and the first
// inferable value decides a field's type. An item contributes its new fields
// only if it validates against the schema grown by them, so an item that
// fails leaves the schema as it was.
func (s *Service) registerUnknown(ctx context.Context, idx index.Index, raw []map[string]any) (index.Index, []string, error) {
	inferred := map[string]field.Field{}
	grown := idx
	for _, item := range raw {
		var fresh []field.Field
		for _, name := range domdoc.UnknownFields(item, grown) {
			ft, ok := field.Infer(item[name])
			if !ok {
				continue
			}
			f, err := field.New(name, ft, field.Public, 0)
			if err != nil {
				// an invalid name stays unknown and fails its item
				continue
			}
			fresh = append(fresh, f)
		}
		if len(fresh) == 0 {
			continue
		}
		candidate, _, err := grown.MergeFields(fresh)
		if err != nil {
			continue
		}
		if _, err := domdoc.Prepare(item, candidate); err != nil {
			continue
		}
		grown = candidate
		for _, f := range fresh {
			inferred[f.Name()] = f
		}
	}
	if len(inferred) == 0 {
		return idx, nil, nil
	}

	names := make([]string, 0, len(inferred))
	fields := make([]field.Field, 0, len(inferred))
	for name := range inferred {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields = append(fields, inferred[name])
	}

	if err := s.eng.PutFields(ctx, idx.PhysicalID(), engine.FromSchema(fields)); err != nil {
		return index.Index{}, nil, fmt.Errorf("register inferred fields: %w", err)
	}
	// a concurrent upload may have registered a name with another type: ErrSchemaConflict
	updated, _, err := s.schemas.UpdateSchema(ctx, idx.Name(), fields, 0)
	if err != nil {
		return index.Index{}, nil, fmt.Errorf("record inferred fields: %w", err)
	}
	logger.FromContext(ctx).Info("Fields registered from upload",
		zap.String("index", idx.Name()), zap.Strings("fields", names))
	return updated, names, nil
}
