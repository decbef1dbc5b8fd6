package plugin

import (
	"math"
	"regexp"

	"github.com/go-viper/mapstructure/v2"
	lua "github.com/yuin/gopher-lua"
)

// scriptInfo and scriptFileDetails are the table shapes scripts return.
type scriptInfo struct {
	Name        string `lua:"name"`
	Description string `lua:"description"`
	Author      string `lua:"author"`
	IconURL     string `lua:"icon_url"`
}

type scriptFileDetails struct {
	Tag          string `lua:"tag"`
	FolderName   string `lua:"folder_name"`
	LastModified int64  `lua:"last_modified"`
	Data         string `lua:"data"`
}

var (
	decodeFieldRe = regexp.MustCompile(`'([^']+)' expected type`)
	luaFieldRe    = regexp.MustCompile(`\((?:field|global|local) '([^']+)'\)`)
)

// fieldFromDiagnostic pulls the offending field name out of a decoder or interpreter message.
func fieldFromDiagnostic(msg string) string {
	if m := decodeFieldRe.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	if m := luaFieldRe.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	return ""
}

// decodeTable converts a Lua table into out. Conversion failures surface as a
// ContractViolationError naming the field.
func decodeTable(capability string, tbl *lua.LTable, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "lua",
		Result:  out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(fromLua(tbl)); err != nil {
		field := fieldFromDiagnostic(err.Error())
		if field == "" {
			field = capability
		}
		return &ContractViolationError{Capability: capability, Field: field, Detail: err.Error()}
	}
	return nil
}

// fromLua converts a Lua value into plain Go values. Tables with only a sequence part
// become slices; any other table becomes a string keyed map. Values with no Go
// counterpart are kept as-is so the decoder can report them.
func fromLua(v lua.LValue) any {
	switch v := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		n := v.Len()
		if n > 0 && isSequence(v, n) {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(v.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		v.ForEach(func(k, val lua.LValue) {
			out[k.String()] = fromLua(val)
		})
		return out
	default:
		return v
	}
}

func isSequence(tbl *lua.LTable, n int) bool {
	count := 0
	tbl.ForEach(func(lua.LValue, lua.LValue) { count++ })
	return count == n
}
