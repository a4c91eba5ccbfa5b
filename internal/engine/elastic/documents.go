package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/kailas-cloud/amcat/internal/domain/index/field"
	"github.com/kailas-cloud/amcat/internal/engine"
)

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// IndexDocuments upserts documents with one bulk request and maps every
// response item back to its input position.
func (e *Engine) IndexDocuments(ctx context.Context, physicalID string, docs []engine.Document) ([]engine.ItemOutcome, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		if err := enc.Encode(map[string]any{"index": map[string]any{"_id": d.ID}}); err != nil {
			return nil, engine.Wrap(engine.OpIndexDocuments, physicalID, err)
		}
		if err := enc.Encode(withIDField(d)); err != nil {
			return nil, engine.Wrap(engine.OpIndexDocuments, physicalID, err)
		}
	}

	res, err := esapi.BulkRequest{Index: physicalID, Body: &buf, Refresh: e.refresh}.Do(ctx, e.tr)
	if err := classify(res, err); err != nil {
		return nil, engine.Wrap(engine.OpIndexDocuments, physicalID, err)
	}
	var body bulkResponse
	if err := decode(res, &body); err != nil {
		return nil, engine.Wrap(engine.OpIndexDocuments, physicalID, err)
	}
	if len(body.Items) != len(docs) {
		return nil, engine.Wrap(engine.OpIndexDocuments, physicalID,
			fmt.Errorf("bulk response has %d items for %d documents", len(body.Items), len(docs)))
	}

	out := make([]engine.ItemOutcome, len(docs))
	for i, item := range body.Items {
		out[i] = engine.ItemOutcome{ID: docs[i].ID}
		for _, r := range item {
			if r.Error == nil && r.Status < 300 {
				continue
			}
			reason := ""
			if r.Error != nil {
				reason = r.Error.Type + ": " + r.Error.Reason
			}
			switch {
			case r.Status == http.StatusTooManyRequests || r.Status == http.StatusServiceUnavailable:
				out[i].Err = fmt.Errorf("%w: %s", engine.ErrUnavailable, reason)
			case r.Status == http.StatusBadRequest:
				out[i].Err = fmt.Errorf("%w: %s", engine.ErrDocumentRejected, reason)
			default:
				out[i].Err = fmt.Errorf("status %d: %s", r.Status, reason)
			}
		}
	}
	return out, nil
}

func withIDField(d engine.Document) map[string]any {
	src := make(map[string]any, len(d.Fields)+1)
	for k, v := range d.Fields {
		src[k] = v
	}
	src[field.IDField] = d.ID
	return src
}

type getResponse struct {
	ID     string         `json:"_id"`
	Found  bool           `json:"found"`
	Source map[string]any `json:"_source"`
}

// GetDocument fetches one document, restricted to fields when given.
func (e *Engine) GetDocument(ctx context.Context, physicalID, docID string, fields []string) (engine.Document, error) {
	req := esapi.GetRequest{Index: physicalID, DocumentID: docID}
	if fields != nil {
		req.SourceIncludes = fields
	}
	res, err := req.Do(ctx, e.tr)
	if err := classify(res, err); err != nil {
		return engine.Document{}, engine.Wrap(engine.OpGetDocument, physicalID, err)
	}
	var body getResponse
	if err := decode(res, &body); err != nil {
		return engine.Document{}, engine.Wrap(engine.OpGetDocument, physicalID, err)
	}
	if !body.Found {
		return engine.Document{}, engine.Wrap(engine.OpGetDocument, physicalID, engine.ErrDocumentNotFound)
	}
	delete(body.Source, field.IDField)
	return engine.Document{ID: body.ID, Fields: body.Source}, nil
}

// UpdateDocument merges fields into an existing document.
func (e *Engine) UpdateDocument(ctx context.Context, physicalID, docID string, fields map[string]any) error {
	body, err := jsonBody(map[string]any{"doc": fields})
	if err != nil {
		return engine.Wrap(engine.OpUpdateDocument, physicalID, err)
	}
	res, err := esapi.UpdateRequest{Index: physicalID, DocumentID: docID, Body: body, Refresh: e.refresh}.Do(ctx, e.tr)
	if err := classify(res, err); err != nil {
		return engine.Wrap(engine.OpUpdateDocument, physicalID, err)
	}
	closeBody(res)
	return nil
}

// DeleteDocument removes one document.
func (e *Engine) DeleteDocument(ctx context.Context, physicalID, docID string) error {
	res, err := esapi.DeleteRequest{Index: physicalID, DocumentID: docID, Refresh: e.refresh}.Do(ctx, e.tr)
	if err := classify(res, err); err != nil {
		return engine.Wrap(engine.OpDeleteDocument, physicalID, err)
	}
	closeBody(res)
	return nil
}
