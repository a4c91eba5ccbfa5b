package role

// Operation names an action that is subject to authorization.
type Operation string

// Operations known to the permission model.
const (
	OpListIndices    Operation = "list_indices"
	OpGetIndex       Operation = "get_index"
	OpGetSchema      Operation = "get_schema"
	OpQuery          Operation = "query"
	OpGetDocument    Operation = "get_document"
	OpFieldValues    Operation = "field_values"
	OpAggregate      Operation = "aggregate"
	OpViewMetadata   Operation = "view_metadata"
	OpUploadDocument Operation = "upload_documents"
	OpUpdateDocument Operation = "update_document"
	OpDeleteDocument Operation = "delete_document"
	OpAddFields      Operation = "add_fields"
	OpUpdateTags     Operation = "update_tags"
	OpRunAnalysis    Operation = "run_analysis"
	OpCreateIndex    Operation = "create_index"
	OpDeleteIndex    Operation = "delete_index"
	OpUpdateIndex    Operation = "update_index"
	OpGrantRole      Operation = "grant_role"
	OpRevokeRole     Operation = "revoke_role"
	OpListRoles      Operation = "list_roles"
)

var required = map[Operation]Level{
	OpListIndices:    None,
	OpGetIndex:       Reader,
	OpGetSchema:      Reader,
	OpQuery:          Reader,
	OpGetDocument:    Reader,
	OpFieldValues:    Reader,
	OpAggregate:      Reader,
	OpViewMetadata:   MetaReader,
	OpUploadDocument: Writer,
	OpUpdateDocument: Writer,
	OpDeleteDocument: Writer,
	OpAddFields:      Writer,
	OpUpdateTags:     Writer,
	OpRunAnalysis:    Writer,
	OpCreateIndex:    Admin,
	OpDeleteIndex:    Admin,
	OpUpdateIndex:    Admin,
	OpGrantRole:      Admin,
	OpRevokeRole:     Admin,
	OpListRoles:      Admin,
}

// RequiredLevel returns the minimum role for op. Unknown operations require ADMIN.
func RequiredLevel(op Operation) Level {
	if l, ok := required[op]; ok {
		return l
	}
	return Admin
}

// Operations returns every operation in the static table.
func Operations() []Operation {
	out := make([]Operation, 0, len(required))
	for op := range required {
		out = append(out, op)
	}
	return out
}
