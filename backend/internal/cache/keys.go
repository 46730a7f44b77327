package cache

import "fmt"

// Key semantics:
// - roomKey(docID):            candidate member set for a document (Set<userId>)
// - memberKey(docID,userID):   member liveness key (String unix seconds, absence TTL)
// - editingKey(docID,userID):  editing-intent key (String "1", short TTL)
// - namesKey(docID):           userId -> username map for a document (Hash)
// - cursorKey(docID,userID):   cursor/selection JSON (String, TTL)

const (
	keyRoomFmt    = "presence:room:%s"       // Set<userId>
	keyMemberFmt  = "presence:member:%s:%d"  // String unix seconds with TTL
	keyEditingFmt = "presence:editing:%s:%d" // String "1" with short TTL
	keyNamesFmt   = "presence:room:names:%s" // Hash<userId -> username>
	keyCursorFmt  = "presence:cursor:%s:%d"  // String JSON with TTL

	keyEditCountFmt   = "stats:edits:%s"         // String counter
	keyEditorSetFmt   = "stats:editors:%s"       // Set<userId>
	keyEditorCountFmt = "stats:editors:%s:count" // cached DISTINCT count
)

func roomKey(docID string) string                   { return fmt.Sprintf(keyRoomFmt, docID) }
func memberKey(docID string, userID uint64) string  { return fmt.Sprintf(keyMemberFmt, docID, userID) }
func editingKey(docID string, userID uint64) string { return fmt.Sprintf(keyEditingFmt, docID, userID) }
func namesKey(docID string) string                  { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID string, userID uint64) string  { return fmt.Sprintf(keyCursorFmt, docID, userID) }

func editCountKey(docID string) string   { return fmt.Sprintf(keyEditCountFmt, docID) }
func editorSetKey(docID string) string   { return fmt.Sprintf(keyEditorSetFmt, docID) }
func editorCountKey(docID string) string { return fmt.Sprintf(keyEditorCountFmt, docID) }
