package contract

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TestJSONSafeTreeRoundTripProperty verifies that JSON-safe trees survive the
// trip through the mapper and a JSON encode/decode unchanged. Lossy document
// conversions (decimal, binary) are covered separately; trees that are
// already JSON-safe must be identities.
func TestJSONSafeTreeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	m := NewMapper(&captureLogger{})

	properties.Property("JSON-safe trees are mapper identities and re-parse equal", prop.ForAll(
		func(tree map[string]interface{}) bool {
			mapped := m.ToJSONSafe(tree)
			if !reflect.DeepEqual(mapped, tree) {
				return false
			}

			raw, err := json.Marshal(mapped)
			if err != nil {
				return false
			}
			var back map[string]interface{}
			if err := json.Unmarshal(raw, &back); err != nil {
				return false
			}
			return reflect.DeepEqual(back, tree)
		},
		genJSONSafeTree(3),
	))

	properties.TestingRun(t)
}

// TestMappedDocumentAlwaysSerializesProperty verifies the only hard guarantee
// of the conversion table: whatever document comes in, the output marshals.
func TestMappedDocumentAlwaysSerializesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	m := NewMapper(&captureLogger{})

	properties.Property("mapped documents always marshal to JSON", prop.ForAll(
		func(doc map[string]interface{}) bool {
			out := m.MapDocument(bson.M(doc))
			_, err := json.Marshal(out)
			return err == nil
		},
		genDocument(3),
	))

	properties.TestingRun(t)
}

// genJSONSafeTree generates objects holding only null, bool, float64, string,
// arrays and nested objects, which is exactly the JSON-safe value domain.
func genJSONSafeTree(depth int) gopter.Gen {
	return gen.MapOf(genKey(), genJSONSafeValue(depth))
}

func genJSONSafeValue(depth int) gopter.Gen {
	scalars := []gopter.Gen{
		gen.Const(interface{}(nil)),
		gen.Bool().Map(func(b bool) interface{} { return b }),
		gen.Float64Range(-1e6, 1e6).Map(func(f float64) interface{} { return f }),
		gen.AlphaString().Map(func(s string) interface{} { return s }),
	}
	if depth <= 0 {
		return gen.OneGenOf(scalars...)
	}
	return gen.OneGenOf(
		gen.OneGenOf(scalars...),
		gen.SliceOfN(2, genJSONSafeValue(depth-1)).Map(func(items []interface{}) interface{} {
			return items
		}),
		gen.MapOf(genKey(), genJSONSafeValue(depth-1)).Map(func(obj map[string]interface{}) interface{} {
			return obj
		}),
	)
}

// genDocument generates documents mixing JSON-safe values with BSON-only
// kinds from the conversion table.
func genDocument(depth int) gopter.Gen {
	return gen.MapOf(genKey(), genDocumentValue(depth))
}

func genDocumentValue(depth int) gopter.Gen {
	scalars := []gopter.Gen{
		gen.Const(interface{}(nil)),
		gen.AlphaString().Map(func(s string) interface{} { return s }),
		gen.Int32().Map(func(i int32) interface{} { return i }),
		gen.Int64().Map(func(i int64) interface{} { return i }),
		gen.Float64Range(-1e9, 1e9).Map(func(f float64) interface{} { return f }),
		gen.Const(interface{}(primitive.NewObjectID())),
		gen.Const(interface{}(primitive.NewDateTimeFromTime(fixedTime))),
		gen.SliceOfN(8, gen.UInt8()).Map(func(b []byte) interface{} {
			return primitive.Binary{Subtype: 0x00, Data: b}
		}),
		gen.AlphaString().Map(func(s string) interface{} {
			return primitive.Regex{Pattern: s}
		}),
	}
	if depth <= 0 {
		return gen.OneGenOf(scalars...)
	}
	return gen.OneGenOf(
		gen.OneGenOf(scalars...),
		gen.SliceOfN(2, genDocumentValue(depth-1)).Map(func(items []interface{}) interface{} {
			return bson.A(items)
		}),
		gen.MapOf(genKey(), genDocumentValue(depth-1)).Map(func(obj map[string]interface{}) interface{} {
			return bson.M(obj)
		}),
	)
}

func genKey() gopter.Gen {
	return gen.Identifier()
}

var fixedTime = primitive.DateTime(1710501000000).Time()
