package store

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// sanitizer cleans extension-provided text before it reaches the index.
// Titles lose all markup; descriptions keep safe formatting.
type sanitizer struct {
	strict *bluemonday.Policy
	ugc    *bluemonday.Policy
}

func newSanitizer() *sanitizer {
	return &sanitizer{
		strict: bluemonday.StrictPolicy(),
		ugc:    bluemonday.UGCPolicy(),
	}
}

func (s *sanitizer) title(v string) string {
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(v)))
}

func (s *sanitizer) description(v string) string {
	return strings.TrimSpace(s.ugc.Sanitize(v))
}

// encodeMetadata normalises an arbitrary JSON-like map into protojson text.
func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return "", err
	}
	return marshalStruct(st)
}

func decodeMetadata(s string) (*structpb.Struct, error) {
	st := &structpb.Struct{}
	if s == "" {
		return st, nil
	}
	if err := protojson.Unmarshal([]byte(s), st); err != nil {
		return nil, err
	}
	return st, nil
}

func marshalStruct(st *structpb.Struct) (string, error) {
	data, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
