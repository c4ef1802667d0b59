package models

import "time"

// Attribute names under which an Account is persisted. The physical store is
// keyed by login; id is served by a secondary index.
const (
	ColLogin   = "login"
	ColID      = "id"
	ColName    = "name"
	ColStatus  = "status"
	ColSecret  = "secret"
	ColType    = "type"
	ColFlags   = "flags"
	ColExpires = "expires"
	ColCtime   = "ctime"
	ColMtime   = "mtime"
)

// MaxLoginLength is the upper bound on the login attribute.
const MaxLoginLength = 128

// Account represents a directory account entity used for authentication and
// authorization. Sensitive fields must never be exposed outside trusted
// boundaries.
type Account struct {
	// Login is the unique account identifier and the canonical access key.
	// The physical store is keyed by it.
	Login string `json:"login"`

	// ID is the server-generated globally unique identifier. It carries a
	// type-discriminating prefix and is immutable once assigned.
	ID string `json:"id,omitempty"`

	// Name is the display name of the account.
	Name string `json:"name,omitempty"`

	// Status is a free-form account state marker (e.g. "ok", "locked").
	Status string `json:"status,omitempty"`

	// Secret holds the stored credential. It is always either empty or a
	// hash-scheme-tagged string, never plaintext at rest (except for
	// pre-provisioned service accounts using the exact-match escape valve).
	// It is never serialized out to callers.
	Secret string `json:"-"`

	// Type is the set of role tags. Internal-only: not settable by
	// non-admin callers.
	Type []string `json:"type,omitempty"`

	// Flags is the set of free-form account tags.
	Flags []string `json:"flags,omitempty"`

	// Expires is an epoch-millis deadline after which access is denied.
	// Zero means no expiry.
	Expires int64 `json:"expires,omitempty"`

	// Ctime is the immutable creation timestamp in epoch millis.
	Ctime int64 `json:"ctime,omitempty"`

	// Mtime is the last-modified timestamp in epoch millis, updated on
	// every mutation.
	Mtime int64 `json:"mtime,omitempty"`
}

// TableName returns the name of the logical table associated with the
// Account model.
func (a Account) TableName() string {
	return "accounts"
}

// Expired reports whether the account's expiry deadline has passed.
func (a Account) Expired() bool {
	return a.Expires > 0 && time.Now().UnixMilli() > a.Expires
}

// Row converts the account to the attribute map consumed by the query
// translation layer. Empty attributes are omitted so they are never stored
// as empty values.
func (a Account) Row() map[string]any {
	row := map[string]any{ColLogin: a.Login}

	putString := func(col, v string) {
		if v != "" {
			row[col] = v
		}
	}
	putString(ColID, a.ID)
	putString(ColName, a.Name)
	putString(ColStatus, a.Status)
	putString(ColSecret, a.Secret)

	if len(a.Type) > 0 {
		row[ColType] = append([]string(nil), a.Type...)
	}
	if len(a.Flags) > 0 {
		row[ColFlags] = append([]string(nil), a.Flags...)
	}
	if a.Expires != 0 {
		row[ColExpires] = a.Expires
	}
	if a.Ctime != 0 {
		row[ColCtime] = a.Ctime
	}
	if a.Mtime != 0 {
		row[ColMtime] = a.Mtime
	}
	return row
}

// AccountFromRow rebuilds an Account from an attribute map returned by the
// query translation layer.
func AccountFromRow(row map[string]any) Account {
	a := Account{
		Login:   rowString(row, ColLogin),
		ID:      rowString(row, ColID),
		Name:    rowString(row, ColName),
		Status:  rowString(row, ColStatus),
		Secret:  rowString(row, ColSecret),
		Type:    rowStrings(row, ColType),
		Flags:   rowStrings(row, ColFlags),
		Expires: rowInt64(row, ColExpires),
		Ctime:   rowInt64(row, ColCtime),
		Mtime:   rowInt64(row, ColMtime),
	}
	return a
}

func rowString(row map[string]any, col string) string {
	if v, ok := row[col].(string); ok {
		return v
	}
	return ""
}

func rowStrings(row map[string]any, col string) []string {
	switch v := row[col].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func rowInt64(row map[string]any, col string) int64 {
	switch v := row[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
