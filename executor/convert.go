package executor

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

const maxConvertDepth = 64

var errConvertDepth = errors.New("value nested too deeply")

// FromLua converts a Lua value into plain Go data. Tables whose keys are
// exactly 1..n become []any; every other table becomes map[string]any with
// keys rendered as strings. Functions, userdata, threads and channels are
// rejected.
func FromLua(v lua.LValue) (any, error) {
	return fromLua(v, 0)
}

func fromLua(v lua.LValue, depth int) (any, error) {
	if depth > maxConvertDepth {
		return nil, errConvertDepth
	}

	switch v := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		return float64(v), nil
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		return tableFromLua(v, depth)
	}
	return nil, fmt.Errorf("cannot convert %s value", v.Type())
}

func tableFromLua(t *lua.LTable, depth int) (any, error) {
	n := t.MaxN()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			v, err := fromLua(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			arr[i-1] = v
		}
		return arr, nil
	}

	m := make(map[string]any, count)
	var err error
	t.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		var key string
		switch k := k.(type) {
		case lua.LString:
			key = string(k)
		case lua.LNumber:
			key = k.String()
		case lua.LBool:
			key = strconv.FormatBool(bool(k))
		default:
			err = fmt.Errorf("cannot convert %s table key", k.Type())
			return
		}
		var gv any
		gv, err = fromLua(v, depth+1)
		m[key] = gv
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ToLua converts Go data into a Lua value. Maps become hash tables with
// keys inserted in sorted order; slices become array tables.
func ToLua(L *lua.LState, v any) (lua.LValue, error) {
	return toLua(L, v, 0)
}

func toLua(L *lua.LState, v any, depth int) (lua.LValue, error) {
	if depth > maxConvertDepth {
		return lua.LNil, errConvertDepth
	}

	switch v := v.(type) {
	case nil:
		return lua.LNil, nil
	case lua.LValue:
		return v, nil
	case bool:
		return lua.LBool(v), nil
	case string:
		return lua.LString(v), nil
	case []byte:
		return lua.LString(v), nil
	case int:
		return lua.LNumber(v), nil
	case int32:
		return lua.LNumber(v), nil
	case int64:
		return lua.LNumber(v), nil
	case uint32:
		return lua.LNumber(v), nil
	case uint64:
		return lua.LNumber(v), nil
	case float32:
		return lua.LNumber(v), nil
	case float64:
		return lua.LNumber(v), nil
	case []any:
		t := L.CreateTable(len(v), 0)
		for _, item := range v {
			lv, err := toLua(L, item, depth+1)
			if err != nil {
				return lua.LNil, err
			}
			t.Append(lv)
		}
		return t, nil
	case []string:
		t := L.CreateTable(len(v), 0)
		for _, s := range v {
			t.Append(lua.LString(s))
		}
		return t, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		t := L.CreateTable(0, len(v))
		for _, k := range keys {
			lv, err := toLua(L, v[k], depth+1)
			if err != nil {
				return lua.LNil, err
			}
			t.RawSetString(k, lv)
		}
		return t, nil
	case map[string]string:
		t := L.CreateTable(0, len(v))
		for k, s := range v {
			t.RawSetString(k, lua.LString(s))
		}
		return t, nil
	}

	return reflectToLua(L, reflect.ValueOf(v), depth)
}

func reflectToLua(L *lua.LState, rv reflect.Value, depth int) (lua.LValue, error) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return lua.LNumber(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return lua.LNumber(rv.Float()), nil
	case reflect.Slice, reflect.Array:
		t := L.CreateTable(rv.Len(), 0)
		for i := 0; i < rv.Len(); i++ {
			lv, err := toLua(L, rv.Index(i).Interface(), depth+1)
			if err != nil {
				return lua.LNil, err
			}
			t.Append(lv)
		}
		return t, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		t := L.CreateTable(0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			lv, err := toLua(L, iter.Value().Interface(), depth+1)
			if err != nil {
				return lua.LNil, err
			}
			t.RawSetString(iter.Key().String(), lv)
		}
		return t, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return lua.LNil, nil
		}
		return toLua(L, rv.Elem().Interface(), depth+1)
	}
	return lua.LNil, fmt.Errorf("cannot convert %s to a Lua value", rv.Type())
}
