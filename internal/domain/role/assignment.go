package role

// GlobalScope is the index name under which global-scope assignments are stored.
const GlobalScope = "_global"

// Assignment grants a subject a level on one index, or on every index
// when Index is GlobalScope. Version guards concurrent grant and revoke.
type Assignment struct {
	Subject string
	Index   string
	Level   Level
	Version int64
}
