package luahost

import (
	"net/mail"

	lua "github.com/yuin/gopher-lua"
)

const mailAddressName = "address"

func registerMailAddressType(ls *lua.LState) {
	mt := ls.NewTypeMetatable(mailAddressName)
	ls.SetGlobal(mailAddressName, mt)

	// Static attributes.
	ls.SetField(mt, "new", ls.NewFunction(newMailAddress))

	// Methods.
	ls.SetField(mt, "__index", ls.NewFunction(mailAddressIndex))
	ls.SetField(mt, "__newindex", ls.NewFunction(mailAddressNewIndex))
}

func newMailAddress(ls *lua.LState) int {
	val := &mail.Address{
		Name:    ls.CheckString(1),
		Address: ls.CheckString(2),
	}
	ud := wrapMailAddress(ls, val)
	ls.Push(ud)

	return 1
}

func wrapMailAddress(ls *lua.LState, val *mail.Address) *lua.LUserData {
	ud := ls.NewUserData()
	ud.Value = val
	ls.SetMetatable(ud, ls.GetTypeMetatable(mailAddressName))

	return ud
}

// wrapMailAddressOrNil returns LNil for a nil address, such as the null reverse-path.
func wrapMailAddressOrNil(ls *lua.LState, val *mail.Address) lua.LValue {
	if val == nil {
		return lua.LNil
	}
	return wrapMailAddress(ls, val)
}

func checkMailAddress(ls *lua.LState, pos int) *mail.Address {
	ud := ls.CheckUserData(pos)
	if val, ok := ud.Value.(*mail.Address); ok {
		return val
	}
	ls.ArgError(pos, mailAddressName+" expected")
	return nil
}

// Gets a field value from the address user object.
func mailAddressIndex(ls *lua.LState) int {
	a := checkMailAddress(ls, 1)
	field := ls.CheckString(2)

	switch field {
	case "address":
		ls.Push(lua.LString(a.Address))
	case "name":
		ls.Push(lua.LString(a.Name))
	default:
		// Unknown field.
		ls.Push(lua.LNil)
	}

	return 1
}

// Sets a field value on the address user object.
func mailAddressNewIndex(ls *lua.LState) int {
	a := checkMailAddress(ls, 1)
	index := ls.CheckString(2)

	switch index {
	case "address":
		a.Address = ls.CheckString(3)
	case "name":
		a.Name = ls.CheckString(3)
	default:
		ls.RaiseError("invalid index %q", index)
	}

	return 0
}
