package dumper

import (
	"fmt"
	"time"
)

// ValueHandler normalizes a raw binlog value for one source data type
type ValueHandler func(value any) (any, error)

// ValueHandlers is keyed by lower case data type name, e.g. "int unsigned"
type ValueHandlers map[string]ValueHandler

const dateTimeLayout = "2006-01-02 15:04:05.999999"

// DefaultValueHandlers returns the MySQL handler set
func DefaultValueHandlers() ValueHandlers {
	return ValueHandlers{
		"tinyint unsigned":   unsignedHandler(8),
		"smallint unsigned":  unsignedHandler(16),
		"mediumint unsigned": unsignedHandler(24),
		"int unsigned":       unsignedHandler(32),
		"bigint unsigned":    unsignedHandler(64),
		"json":               jsonHandler,
		"datetime":           temporalHandler(dateTimeLayout),
		"timestamp":          temporalHandler(dateTimeLayout),
		"date":               temporalHandler("2006-01-02"),
		"decimal":            decimalHandler,
		"bit":                bytesHandler,
		"binary":             bytesHandler,
		"varbinary":          bytesHandler,
		"tinyblob":           bytesHandler,
		"blob":               bytesHandler,
		"mediumblob":         bytesHandler,
		"longblob":           bytesHandler,
	}
}

// Handle applies the handler for dataType, passing unknown types through
func (h ValueHandlers) Handle(dataType string, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	handler, ok := h[dataType]
	if !ok {
		return value, nil
	}
	return handler(value)
}

// unsignedHandler reinterprets a signed binlog integer of the given width as unsigned
func unsignedHandler(bits uint) ValueHandler {
	mask := uint64(1)<<bits - 1
	if bits == 64 {
		mask = ^uint64(0)
	}
	return func(value any) (any, error) {
		var raw uint64
		switch v := value.(type) {
		case int8:
			raw = uint64(uint8(v))
		case int16:
			raw = uint64(uint16(v))
		case int32:
			raw = uint64(uint32(v))
		case int64:
			raw = uint64(v)
		case int:
			raw = uint64(v)
		case uint8:
			raw = uint64(v)
		case uint16:
			raw = uint64(v)
		case uint32:
			raw = uint64(v)
		case uint64:
			raw = v
		default:
			return nil, fmt.Errorf("unsigned column got %T", value)
		}
		return raw & mask, nil
	}
}

func jsonHandler(value any) (any, error) {
	switch v := value.(type) {
	case []byte:
		return string(v), nil
	case string:
		return v, nil
	}
	return nil, fmt.Errorf("json column got %T", value)
}

func temporalHandler(layout string) ValueHandler {
	return func(value any) (any, error) {
		switch v := value.(type) {
		case time.Time:
			return v.Format(layout), nil
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
		return nil, fmt.Errorf("temporal column got %T", value)
	}
}

func decimalHandler(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	case float64:
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("decimal column got %T", value)
}

// bytesHandler copies binary values so records never alias the stream buffer
func bytesHandler(value any) (any, error) {
	switch v := value.(type) {
	case []byte:
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	case string:
		return []byte(v), nil
	case int64:
		// bit columns decode as integers
		return v, nil
	}
	return nil, fmt.Errorf("binary column got %T", value)
}
