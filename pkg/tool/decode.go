package tool

import (
	"strings"

	"github.com/mitchellh/mapstructure"
)

// DecodeArgs decodes a validated argument map into a typed struct so
// handlers do not have to fish values out of map[string]any. Matching is
// case- and separator-insensitive, and numeric JSON values decode into the
// struct's declared kind.
func DecodeArgs(args map[string]any, out any) error {
	cfg := &mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	return decoder.Decode(args)
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
