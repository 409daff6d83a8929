package tus

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// EncodeMetadata renders an Upload-Metadata header value: comma separated
// "key base64(value)" pairs, sorted by key so the output is stable.
func EncodeMetadata(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		v := meta[k]
		if v == "" {
			pairs = append(pairs, k)
			continue
		}
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(v)))
	}
	return strings.Join(pairs, ",")
}

// DecodeMetadata parses an Upload-Metadata header value
func DecodeMetadata(header string) (map[string]string, error) {
	meta := make(map[string]string)
	if strings.TrimSpace(header) == "" {
		return meta, nil
	}

	for _, pair := range strings.Split(header, ",") {
		fields := strings.Fields(pair)
		switch len(fields) {
		case 1:
			meta[fields[0]] = ""
		case 2:
			value, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return nil, fmt.Errorf("invalid metadata value for %q: %w", fields[0], err)
			}
			meta[fields[0]] = string(value)
		default:
			return nil, fmt.Errorf("malformed metadata pair %q", pair)
		}
	}
	return meta, nil
}
