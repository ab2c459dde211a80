package main

import "testing"

func TestParseRunArgs(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want runArgs
		err  bool
	}{
		{"空参数", nil, runArgs{}, false},
		{"只有 path", []string{"./data"}, runArgs{Path: "./data"}, false},
		{"apply 开关", []string{"--apply"}, runArgs{Apply: true, ApplySet: true}, false},
		{"apply=false 显式覆盖", []string{"--apply=false"}, runArgs{Apply: false, ApplySet: true}, false},
		{"path 与 apply 组合", []string{"./data", "--apply=true"}, runArgs{Path: "./data", Apply: true, ApplySet: true}, false},
		{"非法 apply 值", []string{"--apply=maybe"}, runArgs{}, true},
		{"未知参数", []string{"--bogus"}, runArgs{}, true},
		{"重复 path", []string{"a", "b"}, runArgs{}, true},
	}
	for _, c := range cases {
		got, err := parseRunArgs(c.args)
		if c.err {
			if err == nil {
				t.Errorf("%s：期望错误", c.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s：不期望错误：%v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("%s：got %+v，期望 %+v", c.name, got, c.want)
		}
	}
}

func TestIsHelp(t *testing.T) {
	for _, s := range []string{"-h", "--help", "help"} {
		if !isHelp(s) {
			t.Errorf("%q 应识别为 help", s)
		}
	}
	if isHelp("run") {
		t.Errorf("run 不应识别为 help")
	}
}
