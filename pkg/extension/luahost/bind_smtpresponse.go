package luahost

import (
	"fmt"

	"github.com/inbucket/rcptfilter/pkg/extension/event"
	lua "github.com/yuin/gopher-lua"
)

const smtpResponseName = "smtp"

func registerSMTPResponseType(ls *lua.LState) {
	mt := ls.NewTypeMetatable(smtpResponseName)
	ls.SetGlobal(smtpResponseName, mt)

	// Static attributes.
	ls.SetField(mt, "allow", ls.NewFunction(newSMTPResponse(event.ActionAllow)))
	ls.SetField(mt, "defer", ls.NewFunction(newSMTPResponse(event.ActionDefer)))
	ls.SetField(mt, "deny", ls.NewFunction(newSMTPResponse(event.ActionDeny)))
	ls.SetField(mt, "rewrite", ls.NewFunction(newSMTPResponse(event.ActionRewrite)))
}

func newSMTPResponse(action int) func(*lua.LState) int {
	return func(ls *lua.LState) int {
		val := &event.RcptResponse{Action: action}

		switch action {
		case event.ActionDeny:
			// Optionally accept error code and message.
			val.ErrorCode = ls.OptInt(1, 550)
			val.ErrorMsg = ls.OptString(2, "Recipient denied by policy")
		case event.ActionRewrite:
			val.Rewrite = ls.CheckString(1)
		}

		ud := wrapSMTPResponse(ls, val)
		ls.Push(ud)
		return 1
	}
}

func wrapSMTPResponse(ls *lua.LState, val *event.RcptResponse) *lua.LUserData {
	ud := ls.NewUserData()
	ud.Value = val
	ls.SetMetatable(ud, ls.GetTypeMetatable(smtpResponseName))

	return ud
}

func unwrapSMTPResponse(lv lua.LValue) (*event.RcptResponse, error) {
	if ud, ok := lv.(*lua.LUserData); ok {
		if v, ok := ud.Value.(*event.RcptResponse); ok {
			return v, nil
		}
	}

	return nil, fmt.Errorf("expected RcptResponse, got %q", lv.Type().String())
}
