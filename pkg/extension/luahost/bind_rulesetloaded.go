package luahost

import (
	"github.com/inbucket/rcptfilter/pkg/extension/event"
	lua "github.com/yuin/gopher-lua"
)

const rulesetLoadedName = "ruleset_loaded"

func registerRulesetLoadedType(ls *lua.LState) {
	mt := ls.NewTypeMetatable(rulesetLoadedName)
	ls.SetGlobal(rulesetLoadedName, mt)

	// Methods.
	ls.SetField(mt, "__index", ls.NewFunction(rulesetLoadedIndex))
}

func wrapRulesetLoaded(ls *lua.LState, val *event.RulesetLoaded) *lua.LUserData {
	ud := ls.NewUserData()
	ud.Value = val
	ls.SetMetatable(ud, ls.GetTypeMetatable(rulesetLoadedName))

	return ud
}

func checkRulesetLoaded(ls *lua.LState, pos int) *event.RulesetLoaded {
	ud := ls.CheckUserData(pos)
	if v, ok := ud.Value.(*event.RulesetLoaded); ok {
		return v
	}
	ls.ArgError(pos, rulesetLoadedName+" expected")
	return nil
}

// Gets a field value from RulesetLoaded user object.
func rulesetLoadedIndex(ls *lua.LState) int {
	rs := checkRulesetLoaded(ls, 1)
	field := ls.CheckString(2)

	switch field {
	case "source":
		ls.Push(lua.LString(rs.Source))
	case "redirects":
		ls.Push(lua.LNumber(rs.Redirects))
	case "banned":
		ls.Push(lua.LNumber(rs.Banned))
	case "loaded":
		// Unix time in seconds.
		ls.Push(lua.LNumber(rs.Loaded.Unix()))
	default:
		// Unknown field.
		ls.Push(lua.LNil)
	}

	return 1
}
