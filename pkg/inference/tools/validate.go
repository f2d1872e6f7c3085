package tools

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/xeipuuv/gojsonschema"
)

// ReservedArgumentPrefix marks argument keys added by the runtime, such as
// the approval response. They are not part of a tool's schema.
const ReservedArgumentPrefix = "__"

// ApprovalResponseKey is the argument key an approval decision is recorded
// under when a held call is executed.
const ApprovalResponseKey = ReservedArgumentPrefix + "approvalResponse"

// WithApprovalResponse records resp under ApprovalResponseKey. Without a
// valid resp, {"decision": decision} is recorded.
func WithApprovalResponse(args json.RawMessage, decision string, resp json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if len(resp) == 0 || !json.Valid(resp) {
		b, err := json.Marshal(map[string]string{"decision": decision})
		if err != nil {
			return nil, err
		}
		resp = b
	}
	out, err := sjson.SetRawBytes(args, ApprovalResponseKey, resp)
	if err != nil {
		return nil, errors.Wrap(err, "could not record approval response")
	}
	return out, nil
}

var ErrInvalidArguments = errors.New("invalid tool arguments")

type ArgumentsError struct {
	Tool     string
	Problems []string
}

func (e *ArgumentsError) Error() string {
	return "invalid arguments for " + e.Tool + ": " + strings.Join(e.Problems, "; ")
}

func (e *ArgumentsError) Is(target error) bool { return target == ErrInvalidArguments }

// ValidateArguments checks args against the tool's parameter schema. Tools
// without a schema accept anything.
func ValidateArguments(def ToolDefinition, args []byte) error {
	if def.Parameters == nil {
		return nil
	}
	schema, err := def.ParametersJSON()
	if err != nil {
		return err
	}
	args = stripReserved(args)
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(args),
	)
	if err != nil {
		return errors.Wrapf(err, "could not validate arguments for %s", def.Name)
	}
	if result.Valid() {
		return nil
	}
	ret := &ArgumentsError{Tool: def.Name}
	for _, re := range result.Errors() {
		ret.Problems = append(ret.Problems, re.String())
	}
	return ret
}

func stripReserved(args []byte) []byte {
	parsed := gjson.ParseBytes(args)
	if !parsed.IsObject() {
		return args
	}
	var reserved []string
	parsed.ForEach(func(key, _ gjson.Result) bool {
		if strings.HasPrefix(key.String(), ReservedArgumentPrefix) {
			reserved = append(reserved, key.String())
		}
		return true
	})
	for _, k := range reserved {
		if out, err := sjson.DeleteBytes(args, k); err == nil {
			args = out
		}
	}
	return args
}
