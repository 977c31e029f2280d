package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockResources fails requests whose resource type is listed. Returns the
// router so the caller can stop it with the tab.
func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	blocked := blockSet(types)
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if blocked[strings.ToLower(string(h.Request.Type()))] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

// blockSet maps configured names (plural or CDP singular) to CDP resource
// types. Scripts and XHR are never blocked: the host UI cannot render
// menus without them.
func blockSet(types []string) map[string]bool {
	aliases := map[string]string{
		"images":      "image",
		"fonts":       "font",
		"stylesheets": "stylesheet",
		"media":       "media",
	}
	out := make(map[string]bool, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if a, ok := aliases[t]; ok {
			t = a
		}
		switch t {
		case "script", "xhr", "fetch", "document", "websocket":
			continue
		}
		out[t] = true
	}
	return out
}
