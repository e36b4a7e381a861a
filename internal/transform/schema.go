package transform

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Schema keywords the backend rejects in function parameters and response
// schemas.
var unsupportedKeywords = []string{
	"$schema",
	"$id",
	"$ref",
	"$defs",
	"definitions",
	"additionalProperties",
	"examples",
	"default",
	"strict",
}

var pathKeyEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)

// SanitizeSchema strips keywords the backend does not accept and rewrites
// const as a single-value enum. Property names that happen to match a keyword
// are left alone. Invalid JSON yields an empty object schema.
func SanitizeSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	s := string(raw)

	for _, p := range findPaths(s, "const") {
		if isPropertyMap(parentPath(p, "const")) {
			continue
		}
		enumPath := joinPath(parentPath(p, "const"), "enum")
		if !gjson.Get(s, enumPath).Exists() {
			s, _ = sjson.Set(s, enumPath, []any{gjson.Get(s, p).Value()})
		}
		s, _ = sjson.Delete(s, p)
	}

	for _, key := range unsupportedKeywords {
		paths := findPaths(s, key)
		sortByDepth(paths)
		for _, p := range paths {
			if isPropertyMap(parentPath(p, key)) {
				continue
			}
			s, _ = sjson.Delete(s, p)
		}
	}
	return json.RawMessage(s)
}

func findPaths(s, field string) []string {
	var paths []string
	walk(gjson.Parse(s), "", field, &paths)
	return paths
}

func walk(v gjson.Result, path, field string, paths *[]string) {
	if !v.IsObject() && !v.IsArray() {
		return
	}
	v.ForEach(func(key, val gjson.Result) bool {
		k := key.String()
		child := joinPath(path, pathKeyEscaper.Replace(k))
		if v.IsObject() && k == field {
			*paths = append(*paths, child)
		}
		walk(val, child, field, paths)
		return true
	})
}

func sortByDepth(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		return strings.Count(paths[i], ".") > strings.Count(paths[j], ".")
	})
}

func parentPath(path, key string) string {
	escaped := pathKeyEscaper.Replace(key)
	if path == escaped {
		return ""
	}
	return strings.TrimSuffix(path, "."+escaped)
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func isPropertyMap(path string) bool {
	return path == "properties" || strings.HasSuffix(path, ".properties")
}
