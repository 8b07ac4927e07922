package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

// StringArray represents a PostgreSQL text[] column. The text form is
// parsed and written by pgx's array codec, so quotes, commas and
// backslashes round-trip.
type StringArray []string

// Scan implements the sql.Scanner interface
func (s *StringArray) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*s = StringArray{}
		return nil
	case []byte:
		// Rows written before the column became text[] hold JSON.
		if len(v) > 0 && v[0] == '[' {
			var arr []string
			if err := json.Unmarshal(v, &arr); err == nil {
				*s = arr
				return nil
			}
		}
		return s.Scan(string(v))
	case string:
		if v == "" {
			*s = StringArray{}
			return nil
		}
		var arr []string
		if err := pgtype.NewMap().Scan(pgtype.TextArrayOID, pgtype.TextFormatCode, []byte(v), &arr); err != nil {
			return fmt.Errorf("failed to parse text array %q: %w", v, err)
		}
		if arr == nil {
			arr = []string{}
		}
		*s = arr
		return nil
	default:
		return fmt.Errorf("cannot scan %T into StringArray", value)
	}
}

// Value implements the driver.Valuer interface
func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "{}", nil
	}
	buf, err := pgtype.NewMap().Encode(pgtype.TextArrayOID, pgtype.TextFormatCode, []string(s), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encode text array: %w", err)
	}
	return string(buf), nil
}

// Clone returns a copy that does not share the backing array.
func (s StringArray) Clone() StringArray {
	if s == nil {
		return nil
	}
	out := make(StringArray, len(s))
	copy(out, s)
	return out
}
