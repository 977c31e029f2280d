package variant

import "testing"

func TestShapes(t *testing.T) {
	cases := []struct {
		shape    LinkShape
		href     string
		wantPath string
		wantID   string
		ok       bool
	}{
		{statusShape, "https://x.com/acct/status/999999", "/acct/status/999999", "999999", true},
		{statusShape, "/acct/status/42/photo/1", "/acct/status/42", "42", true},
		{statusShape, "/acct/status/abc", "", "", false},
		{shortcodeShape, "https://www.instagram.com/p/ABC123/?utm=1", "/p/ABC123/", "ABC123", true},
		{shortcodeShape, "/reel/a_b-C/", "/reel/a_b-C/", "a_b-C", true},
		{shortcodeShape, "/tv/XYZ/", "/tv/XYZ/", "XYZ", true},
		{shortcodeShape, "/p/ABC123", "", "", false},
		{shortcodeShape, "/stories/ABC/", "", "", false},
	}
	for _, c := range cases {
		path, id, ok := c.shape.Find(c.href)
		if ok != c.ok || path != c.wantPath || id != c.wantID {
			t.Errorf("%s.Find(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.shape.Name, c.href, path, id, ok, c.wantPath, c.wantID, c.ok)
		}
	}
}

func TestBuiltinsValidate(t *testing.T) {
	for _, name := range []string{"x", "instagram"} {
		v, ok := Builtin(name)
		if !ok {
			t.Fatalf("Builtin(%q) missing", name)
		}
		if err := v.Validate(); err != nil {
			t.Errorf("Builtin(%q).Validate: %v", name, err)
		}
	}
	if _, ok := Builtin("myspace"); ok {
		t.Error("Builtin(myspace) should not exist")
	}
}

func TestForHost(t *testing.T) {
	if v, ok := ForHost("mobile.twitter.com"); !ok || v.Platform != "x" {
		t.Errorf("ForHost(mobile.twitter.com) = %q, %v", v.Platform, ok)
	}
	if v, ok := ForHost("www.instagram.com"); !ok || v.Platform != "instagram" {
		t.Errorf("ForHost(www.instagram.com) = %q, %v", v.Platform, ok)
	}
	if _, ok := ForHost("example.com"); ok {
		t.Error("ForHost(example.com) matched")
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("after-reference"); err != nil || p != PolicyAfterReference {
		t.Errorf("ParsePolicy = %v, %v", p, err)
	}
	if _, err := ParsePolicy("sideways"); err == nil {
		t.Error("ParsePolicy(sideways) accepted")
	}
}

func TestShapeNamespaces(t *testing.T) {
	a, b := PlatformA(), PlatformB()
	if a.PrefixOf(statusShape) != "platformA" || a.PrefixOf(shortcodeShape) != "platformB" {
		t.Errorf("prefixes from A: %q %q", a.PrefixOf(statusShape), a.PrefixOf(shortcodeShape))
	}
	if !a.Owns(statusShape) || a.Owns(shortcodeShape) {
		t.Error("A ownership wrong")
	}
	if !b.Owns(shortcodeShape) || b.Owns(statusShape) {
		t.Error("B ownership wrong")
	}
	custom := LinkShape{Name: "custom", Pattern: statusShape.Pattern, Group: 1}
	if a.PrefixOf(custom) != "platformA" || !a.Owns(custom) {
		t.Error("unprefixed shape not owned by its variant")
	}
}
