package runstate

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrUnsupportedPatch = errors.New("unsupported patch operation")

// pointerToPath converts an RFC 6901 JSON pointer to a gjson/sjson path.
func pointerToPath(pointer string) (string, error) {
	if pointer == "" {
		return "", nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return "", errors.Errorf("invalid json pointer %q", pointer)
	}
	parts := strings.Split(pointer[1:], "/")
	escaper := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		if p == "-" {
			parts[i] = "-1"
			continue
		}
		parts[i] = escaper.Replace(p)
	}
	return strings.Join(parts, "."), nil
}

// ApplyPatch applies add, replace, remove and test operations to doc. The
// input is never modified.
func ApplyPatch(doc json.RawMessage, ops []events.PatchOperation) (json.RawMessage, error) {
	out := append([]byte(nil), doc...)
	if len(bytes.TrimSpace(out)) == 0 {
		out = []byte(`{}`)
	}
	for _, op := range ops {
		path, err := pointerToPath(op.Path)
		if err != nil {
			return nil, err
		}
		switch op.Op {
		case "add", "replace":
			if !json.Valid(op.Value) {
				return nil, errors.Errorf("%s %s: invalid value", op.Op, op.Path)
			}
			if path == "" {
				out = append([]byte(nil), op.Value...)
				continue
			}
			if op.Op == "replace" && !gjson.GetBytes(out, path).Exists() {
				return nil, errors.Errorf("replace %s: path does not exist", op.Path)
			}
			out, err = sjson.SetRawBytes(out, path, op.Value)
		case "remove":
			if path == "" {
				out = []byte(`{}`)
				continue
			}
			if !gjson.GetBytes(out, path).Exists() {
				return nil, errors.Errorf("remove %s: path does not exist", op.Path)
			}
			out, err = sjson.DeleteBytes(out, path)
		case "test":
			got := gjson.GetBytes(out, path)
			if path == "" {
				got = gjson.ParseBytes(out)
			}
			want := gjson.ParseBytes(op.Value)
			if !got.Exists() || compact(got.Raw) != compact(want.Raw) {
				return nil, errors.Errorf("test %s: value mismatch", op.Path)
			}
		default:
			return nil, errors.Wrapf(ErrUnsupportedPatch, "%q", op.Op)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s", op.Op, op.Path)
		}
	}
	return out, nil
}

func compact(raw string) string {
	var b bytes.Buffer
	if err := json.Compact(&b, []byte(raw)); err != nil {
		return raw
	}
	return b.String()
}
