package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Entry is one link of the audit chain.
type Entry struct {
	ID        string          `json:"id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Canonical time form hashed into each entry. Microsecond precision survives a
// round trip through Postgres timestamptz.
func canonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}

// canonicalDetails renders details as compact JSON with sorted keys.
func canonicalDetails(details map[string]any) (json.RawMessage, error) {
	if details == nil {
		details = map[string]any{}
	}
	return json.Marshal(details)
}

// ComputeHash returns the hex SHA-256 over actor|action|resource|timestamp|prev_hash|details.
func ComputeHash(e Entry) string {
	details := string(e.Details)
	if details == "" {
		details = "{}"
	}
	payload := strings.Join([]string{
		e.Actor,
		e.Action,
		e.Resource,
		canonicalTime(e.Timestamp),
		e.PrevHash,
		details,
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// DetailsMap decodes the stored details document.
func (e Entry) DetailsMap() map[string]any {
	out := map[string]any{}
	if len(e.Details) == 0 {
		return out
	}
	_ = json.Unmarshal(e.Details, &out)
	return out
}
