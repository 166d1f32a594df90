package luahost

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

const (
	rcptfilterName       = "rcptfilter"
	rcptfilterAfterName  = "rcptfilter_after"
	rcptfilterBeforeName = "rcptfilter_before"
)

// Rcptfilter is the Go side of the `rcptfilter` Lua global, holding the event handlers a
// script has defined.
type Rcptfilter struct {
	After  RcptfilterAfterFuncs
	Before RcptfilterBeforeFuncs
}

// RcptfilterAfterFuncs holds handlers for after-events.
type RcptfilterAfterFuncs struct {
	RulesetLoaded *lua.LFunction
}

// RcptfilterBeforeFuncs holds handlers for before-events.
type RcptfilterBeforeFuncs struct {
	RcptToAccepted *lua.LFunction
}

func registerRcptfilterTypes(ls *lua.LState) {
	// rcptfilter type.
	mt := ls.NewTypeMetatable(rcptfilterName)
	ls.SetField(mt, "__index", ls.NewFunction(rcptfilterIndex))

	// rcptfilter.after type.
	mt = ls.NewTypeMetatable(rcptfilterAfterName)
	ls.SetField(mt, "__index", ls.NewFunction(rcptfilterAfterIndex))
	ls.SetField(mt, "__newindex", ls.NewFunction(rcptfilterAfterNewIndex))

	// rcptfilter.before type.
	mt = ls.NewTypeMetatable(rcptfilterBeforeName)
	ls.SetField(mt, "__index", ls.NewFunction(rcptfilterBeforeIndex))
	ls.SetField(mt, "__newindex", ls.NewFunction(rcptfilterBeforeNewIndex))

	// rcptfilter global.
	ud := wrapRcptfilter(ls, &Rcptfilter{})
	ls.SetGlobal(rcptfilterName, ud)
}

func wrapRcptfilter(ls *lua.LState, val *Rcptfilter) *lua.LUserData {
	ud := ls.NewUserData()
	ud.Value = val
	ls.SetMetatable(ud, ls.GetTypeMetatable(rcptfilterName))

	return ud
}

func wrapRcptfilterAfter(ls *lua.LState, val *RcptfilterAfterFuncs) *lua.LUserData {
	ud := ls.NewUserData()
	ud.Value = val
	ls.SetMetatable(ud, ls.GetTypeMetatable(rcptfilterAfterName))

	return ud
}

func wrapRcptfilterBefore(ls *lua.LState, val *RcptfilterBeforeFuncs) *lua.LUserData {
	ud := ls.NewUserData()
	ud.Value = val
	ls.SetMetatable(ud, ls.GetTypeMetatable(rcptfilterBeforeName))

	return ud
}

func getRcptfilter(ls *lua.LState) (*Rcptfilter, error) {
	lv := ls.GetGlobal(rcptfilterName)
	if lv == nil || lv == lua.LNil {
		return nil, errors.New("rcptfilter object was nil")
	}

	ud, ok := lv.(*lua.LUserData)
	if !ok {
		return nil, fmt.Errorf("rcptfilter object was type %s instead of UserData", lv.Type())
	}

	val, ok := ud.Value.(*Rcptfilter)
	if !ok {
		return nil, fmt.Errorf("rcptfilter object (%v) could not be cast", ud.Value)
	}

	return val, nil
}

func checkRcptfilter(ls *lua.LState, pos int) *Rcptfilter {
	ud := ls.CheckUserData(pos)
	if val, ok := ud.Value.(*Rcptfilter); ok {
		return val
	}
	ls.ArgError(pos, rcptfilterName+" expected")
	return nil
}

func checkRcptfilterAfter(ls *lua.LState, pos int) *RcptfilterAfterFuncs {
	ud := ls.CheckUserData(pos)
	if val, ok := ud.Value.(*RcptfilterAfterFuncs); ok {
		return val
	}
	ls.ArgError(pos, rcptfilterAfterName+" expected")
	return nil
}

func checkRcptfilterBefore(ls *lua.LState, pos int) *RcptfilterBeforeFuncs {
	ud := ls.CheckUserData(pos)
	if val, ok := ud.Value.(*RcptfilterBeforeFuncs); ok {
		return val
	}
	ls.ArgError(pos, rcptfilterBeforeName+" expected")
	return nil
}

// rcptfilter getter.
func rcptfilterIndex(ls *lua.LState) int {
	rf := checkRcptfilter(ls, 1)
	field := ls.CheckString(2)

	// Push the requested field's value onto the stack.
	switch field {
	case "after":
		ls.Push(wrapRcptfilterAfter(ls, &rf.After))
	case "before":
		ls.Push(wrapRcptfilterBefore(ls, &rf.Before))
	default:
		// Unknown field.
		ls.Push(lua.LNil)
	}

	return 1
}

// rcptfilter.after getter.
func rcptfilterAfterIndex(ls *lua.LState) int {
	after := checkRcptfilterAfter(ls, 1)
	field := ls.CheckString(2)

	switch field {
	case "ruleset_loaded":
		ls.Push(funcOrNil(after.RulesetLoaded))
	default:
		// Unknown field.
		ls.Push(lua.LNil)
	}

	return 1
}

// rcptfilter.after setter.
func rcptfilterAfterNewIndex(ls *lua.LState) int {
	after := checkRcptfilterAfter(ls, 1)
	index := ls.CheckString(2)

	switch index {
	case "ruleset_loaded":
		after.RulesetLoaded = ls.CheckFunction(3)
	default:
		ls.RaiseError("invalid rcptfilter.after index %q", index)
	}

	return 0
}

// rcptfilter.before getter.
func rcptfilterBeforeIndex(ls *lua.LState) int {
	before := checkRcptfilterBefore(ls, 1)
	field := ls.CheckString(2)

	switch field {
	case "rcpt_to_accepted":
		ls.Push(funcOrNil(before.RcptToAccepted))
	default:
		// Unknown field.
		ls.Push(lua.LNil)
	}

	return 1
}

// rcptfilter.before setter.
func rcptfilterBeforeNewIndex(ls *lua.LState) int {
	before := checkRcptfilterBefore(ls, 1)
	index := ls.CheckString(2)

	switch index {
	case "rcpt_to_accepted":
		before.RcptToAccepted = ls.CheckFunction(3)
	default:
		ls.RaiseError("invalid rcptfilter.before index %q", index)
	}

	return 0
}

func funcOrNil(f *lua.LFunction) lua.LValue {
	if f == nil {
		return lua.LNil
	}

	return f
}
