package export

import (
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"github.com/juju/mgo/v3/bson"
)

// jsonValue converts a decoded document value into something encoding/json
// writes without loss. Driver types without a natural JSON form use the
// MongoDB extended JSON wrappers ($numberDecimal, $binary, ...), and
// non-finite doubles become {"$numberDouble": "NaN"|"Infinity"|"-Infinity"}.
func jsonValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int, int32, int64, time.Time:
		return x
	case float64:
		return jsonFloat(x)
	case float32:
		return jsonFloat(float64(x))
	case bson.M:
		return jsonDocument(x)
	case map[string]any:
		return jsonDocument(x)
	case bson.D:
		doc := make(map[string]any, len(x))
		for _, e := range x {
			doc[e.Name] = jsonValue(e.Value)
		}
		return doc
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonValue(e)
		}
		return out
	case bson.ObjectId:
		return map[string]any{"$oid": x.Hex()}
	case bson.Decimal128:
		return map[string]any{"$numberDecimal": x.String()}
	case bson.Binary:
		return binary(x.Kind, x.Data)
	case []byte:
		return binary(0x00, x)
	case bson.MongoTimestamp:
		return map[string]any{"$timestamp": map[string]any{"t": uint32(x >> 32), "i": uint32(x)}}
	case bson.RegEx:
		return map[string]any{"$regularExpression": map[string]any{"pattern": x.Pattern, "options": x.Options}}
	case bson.JavaScript:
		if x.Scope == nil {
			return map[string]any{"$code": x.Code}
		}
		return map[string]any{"$code": x.Code, "$scope": jsonValue(x.Scope)}
	case bson.DBPointer:
		return map[string]any{"$dbPointer": map[string]any{"$ref": x.Namespace, "$id": map[string]any{"$oid": x.Id.Hex()}}}
	case bson.Symbol:
		return map[string]any{"$symbol": string(x)}
	}

	switch v {
	case bson.MinKey:
		return map[string]any{"$minKey": 1}
	case bson.MaxKey:
		return map[string]any{"$maxKey": 1}
	case bson.Undefined:
		return map[string]any{"$undefined": true}
	}
	return v
}

func jsonDocument(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = jsonValue(v)
	}
	return out
}

func jsonFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return map[string]any{"$numberDouble": "NaN"}
	case math.IsInf(f, 1):
		return map[string]any{"$numberDouble": "Infinity"}
	case math.IsInf(f, -1):
		return map[string]any{"$numberDouble": "-Infinity"}
	}
	return f
}

func binary(kind byte, data []byte) map[string]any {
	return map[string]any{"$binary": map[string]any{
		"base64":  base64.StdEncoding.EncodeToString(data),
		"subType": fmt.Sprintf("%02x", kind),
	}}
}
