package luahost

import (
	"github.com/inbucket/rcptfilter/pkg/extension/event"
	lua "github.com/yuin/gopher-lua"
)

const recipientName = "recipient"

func registerRecipientType(ls *lua.LState) {
	mt := ls.NewTypeMetatable(recipientName)
	ls.SetGlobal(recipientName, mt)

	// Methods.
	ls.SetField(mt, "__index", ls.NewFunction(recipientIndex))
}

func wrapRecipient(ls *lua.LState, val *event.Recipient) *lua.LUserData {
	ud := ls.NewUserData()
	ud.Value = val
	ls.SetMetatable(ud, ls.GetTypeMetatable(recipientName))

	return ud
}

// Checks there is a Recipient at stack position `pos`, else throws Lua error.
func checkRecipient(ls *lua.LState, pos int) *event.Recipient {
	ud := ls.CheckUserData(pos)
	if v, ok := ud.Value.(*event.Recipient); ok {
		return v
	}
	ls.ArgError(pos, recipientName+" expected")
	return nil
}

// Gets a field value from Recipient user object.  This emulates a Lua table,
// allowing `rcpt.address` instead of a Lua object syntax of `rcpt:address()`.
func recipientIndex(ls *lua.LState) int {
	r := checkRecipient(ls, 1)
	field := ls.CheckString(2)

	// Push the requested field's value onto the stack.
	switch field {
	case "address":
		ls.Push(wrapMailAddress(ls, &r.Address))
	case "from":
		ls.Push(wrapMailAddressOrNil(ls, r.From))
	case "remote_addr":
		ls.Push(lua.LString(r.RemoteAddr))
	default:
		// Unknown field.
		ls.Push(lua.LNil)
	}

	return 1
}
