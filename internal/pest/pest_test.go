package pest

import (
	"errors"
	"testing"
)

func TestLookup(t *testing.T) {
	tab := NewTable(nil, DefaultOffset, DefaultWidth)

	cases := []struct {
		key    string
		want   string
		reason string
	}{
		{key: "PD16-MW-00100001", want: "草地贪夜蛾"},
		{key: "PD16-MW-00300225", want: "棉铃虫"},
		{key: "PD16-MW-00800001", want: "吸浆虫"},
		{key: "PD16-MW-00000001", reason: "out_of_range"}, // 0 不回绕到最后一类
		{key: "PD16-MW-00900001", reason: "out_of_range"},
		{key: "PD16-MW-0AB00001", reason: "not_numeric"},
		{key: "PD16-MW-+1200001", reason: "not_numeric"},
		{key: "PD16-MW", reason: "too_short"},
	}

	for _, tc := range cases {
		got, err := tab.Lookup(tc.key)
		if tc.reason == "" {
			if err != nil {
				t.Fatalf("%s: 不期望错误：%v", tc.key, err)
			}
			if got != tc.want {
				t.Fatalf("%s: 期望 %q，实际 %q", tc.key, tc.want, got)
			}
			continue
		}

		var le *LookupError
		if !errors.As(err, &le) {
			t.Fatalf("%s: 期望 *LookupError，实际 %T %v", tc.key, err, err)
		}
		if le.Reason != tc.reason {
			t.Fatalf("%s: 期望 reason=%q，实际 %q", tc.key, tc.reason, le.Reason)
		}
	}
}

func TestNewTable_CustomClassesAreCopied(t *testing.T) {
	classes := []string{"a", "b"}
	tab := NewTable(classes, 0, 1)
	classes[0] = "changed"

	got, err := tab.Lookup("1xyz")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got != "a" {
		t.Fatalf("类别表应被拷贝，实际 %q", got)
	}
}
