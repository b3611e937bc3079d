package schema

import "strconv"

// PostgresType returns the column type used when creating the dataset table.
func (c Column) PostgresType() string {
	switch c.Kind {
	case KindString:
		if c.Length > 0 {
			return "VARCHAR(" + strconv.Itoa(c.Length) + ")"
		}
		return "VARCHAR"
	case KindText:
		return "TEXT"
	case KindInt:
		return "BIGINT"
	case KindFloat:
		return "DOUBLE PRECISION"
	case KindBool:
		return "BOOLEAN"
	case KindDate:
		return "DATE"
	case KindDateTime:
		return "TIMESTAMP"
	case KindBlob:
		return "BYTEA"
	}
	return "TEXT"
}
