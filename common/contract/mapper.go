// Package contract converts persisted document values into JSON-safe trees
// and back. Node parameters and outputs cross the store boundary as BSON;
// everything handed to a runner or another node must be plain JSON.
package contract

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chainworks/cascade/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Mapper walks heterogeneously typed document values with a closed
// conversion table. Items that fail to convert are replaced by their textual
// form and a warning is logged against the parent key; the walk never aborts.
type Mapper struct {
	logger Logger
}

// NewMapper creates a new data-contract mapper
func NewMapper(logger Logger) *Mapper {
	return &Mapper{logger: logger}
}

// MapDocument converts a document into a JSON-safe object tree
func (m *Mapper) MapDocument(doc bson.M) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for key, value := range doc {
		out[key] = m.convert(key, value)
	}
	return out
}

// ToJSONSafe converts a single document value into its JSON-safe form
func (m *Mapper) ToJSONSafe(value interface{}) interface{} {
	return m.convert("", value)
}

// convert applies the conversion table. parentKey is used only for warnings.
func (m *Mapper) convert(parentKey string, value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case primitive.Null:
		return nil
	case string, bool:
		return v
	case int:
		return v
	case int32:
		return v
	case int64:
		return v
	case float32:
		return float64(v)
	case float64:
		return v
	case primitive.Decimal128:
		// Documented precision loss: high-precision decimal narrows to double
		f, err := parseDecimal(v)
		if err != nil {
			m.warn(parentKey, "decimal", err)
			return v.String()
		}
		return f
	case primitive.DateTime:
		return v.Time().UTC().Format(time.RFC3339)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case primitive.ObjectID:
		return v.Hex()
	case primitive.Binary:
		return m.convertBinary(parentKey, v)
	case primitive.Regex:
		return v.Pattern
	case bson.M:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = m.convert(key, item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = m.convert(key, item)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(v))
		for _, elem := range v {
			out[elem.Key] = m.convert(elem.Key, elem.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = m.convert(parentKey, item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = m.convert(parentKey, item)
		}
		return out
	case []string:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	default:
		// Closed table: anything else degrades to its textual form
		m.warn(parentKey, fmt.Sprintf("%T", value), nil)
		return fmt.Sprintf("%v", value)
	}
}

// UUID binary subtypes: 0x04 standard, 0x03 legacy driver encoding
const (
	binarySubtypeUUIDLegacy = 0x03
	binarySubtypeUUID       = 0x04
)

func (m *Mapper) convertBinary(parentKey string, bin primitive.Binary) string {
	if bin.Subtype == binarySubtypeUUID || bin.Subtype == binarySubtypeUUIDLegacy {
		if id, err := uuid.FromBytes(bin.Data); err == nil {
			return id.String()
		}
		m.warn(parentKey, "uuid-binary", fmt.Errorf("unexpected length %d", len(bin.Data)))
	}
	return base64.StdEncoding.EncodeToString(bin.Data)
}

func (m *Mapper) warn(parentKey, kind string, err error) {
	if m.logger == nil {
		return
	}
	if err != nil {
		m.logger.Warn("value failed to convert, using textual form",
			"key", parentKey, "kind", kind, "error", err)
		return
	}
	m.logger.Warn("value outside conversion table, using textual form",
		"key", parentKey, "kind", kind)
}

func parseDecimal(d primitive.Decimal128) (float64, error) {
	f, err := strconv.ParseFloat(d.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse decimal: %w", err)
	}
	return f, nil
}

// FromJSONSafe converts a JSON-safe tree back into a storable document value.
// Objects become bson.M and arrays bson.A; scalars pass through untouched.
// Lossy conversions are not reversed: ISO datetimes, hex ids and base64
// payloads stay strings.
func (m *Mapper) FromJSONSafe(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(bson.M, len(v))
		for key, item := range v {
			out[key] = m.FromJSONSafe(item)
		}
		return out
	case []interface{}:
		out := make(bson.A, len(v))
		for i, item := range v {
			out[i] = m.FromJSONSafe(item)
		}
		return out
	default:
		return value
	}
}

// ExtractInputFiles collects embedded files from a parameters tree without
// mutating it. An object carrying both "filename" and "content" string keys
// is an embedded file; a legacy list under the top-level "inputFiles" key is
// also honored.
func (m *Mapper) ExtractInputFiles(params map[string]interface{}) []models.InputFile {
	var files []models.InputFile

	for key, value := range params {
		if key == "inputFiles" {
			if list, ok := value.([]interface{}); ok {
				for _, item := range list {
					if obj, ok := item.(map[string]interface{}); ok {
						if f, ok := asInputFile(obj); ok {
							files = append(files, f)
						}
					}
				}
			}
			continue
		}
		files = append(files, collectFiles(value)...)
	}

	return files
}

func collectFiles(value interface{}) []models.InputFile {
	var files []models.InputFile
	switch v := value.(type) {
	case map[string]interface{}:
		if f, ok := asInputFile(v); ok {
			files = append(files, f)
			return files
		}
		for _, item := range v {
			files = append(files, collectFiles(item)...)
		}
	case []interface{}:
		for _, item := range v {
			files = append(files, collectFiles(item)...)
		}
	}
	return files
}

// asInputFile recognizes the embedded-file shape on an object value
func asInputFile(obj map[string]interface{}) (models.InputFile, bool) {
	name, hasName := obj["filename"].(string)
	content, hasContent := obj["content"].(string)
	if !hasName || !hasContent || name == "" {
		return models.InputFile{}, false
	}

	f := models.InputFile{Name: name, Content: content}
	if ct, ok := obj["contentType"].(string); ok {
		f.ContentType = ct
	}
	switch size := obj["fileSize"].(type) {
	case float64:
		f.Size = int(size)
	case int:
		f.Size = size
	default:
		f.Size = len(content)
	}
	return f, true
}
