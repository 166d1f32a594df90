package luahost

import (
	"testing"
	"time"

	"github.com/inbucket/rcptfilter/pkg/extension/event"
	"github.com/inbucket/rcptfilter/pkg/test"
	"github.com/stretchr/testify/require"
)

func TestRulesetLoadedGetters(t *testing.T) {
	want := &event.RulesetLoaded{
		Source:    "/etc/rcptfilter/rules.xml",
		Redirects: 3,
		Banned:    2,
		Loaded:    time.Date(2001, time.February, 3, 4, 5, 6, 0, time.UTC),
	}
	script := `
		assert(rs, "rs should not be nil")

		assert_eq(rs.source, "/etc/rcptfilter/rules.xml")
		assert_eq(rs.redirects, 3)
		assert_eq(rs.banned, 2)
		assert_eq(rs.loaded, 981173106)
	`

	ls, _ := test.NewLuaState()
	registerRulesetLoadedType(ls)
	ls.SetGlobal("rs", wrapRulesetLoaded(ls, want))
	require.NoError(t, ls.DoString(script))
}
