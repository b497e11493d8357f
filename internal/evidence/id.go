package evidence

import (
	"strings"

	"github.com/google/uuid"
)

// IDPrefix marks evidence ids in prompts and responses.
const IDPrefix = "ev-"

// Namespace returns the UUID namespace of a case. Case ids are UUIDs; any
// other string is first hashed into one so ids stay case scoped.
func Namespace(caseID string) uuid.UUID {
	if ns, err := uuid.Parse(caseID); err == nil {
		return ns
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("riskcase:"+caseID))
}

// NewID derives the evidence id of content from source within a case. The
// same fact in the same case always gets the same id; the same fact in
// another case never does.
func NewID(caseID, source, content string) string {
	u := uuid.NewSHA1(Namespace(caseID), []byte(source+"|"+content))
	return IDPrefix + strings.ReplaceAll(u.String(), "-", "")[:12]
}
