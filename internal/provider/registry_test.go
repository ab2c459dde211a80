package provider

import (
	"context"
	"testing"
)

type fakeStrategy struct{ name string }

func (f fakeStrategy) Name() string { return f.name }

func (f fakeStrategy) Resolve(ctx context.Context, req Request) (Result, error) {
	return Result{}, nil
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(fakeStrategy{name: "abcpage"}, fakeStrategy{name: "Gimage"})
	if err != nil {
		t.Fatalf("NewRegistry 失败：%v", err)
	}

	if _, ok := reg.Get("abcpage"); !ok {
		t.Fatalf("应能按 name 取回 strategy")
	}
	// 查找大小写不敏感。
	if _, ok := reg.Get("GIMAGE"); !ok {
		t.Fatalf("name 匹配应大小写不敏感")
	}
	if _, ok := reg.Get("nope"); ok {
		t.Fatalf("未注册的 name 不应命中")
	}
}

func TestNewRegistryRejectsDuplicatesAndEmpty(t *testing.T) {
	if _, err := NewRegistry(fakeStrategy{name: "a"}, fakeStrategy{name: "A"}); err == nil {
		t.Fatalf("重名 strategy 应报错")
	}
	if _, err := NewRegistry(fakeStrategy{name: ""}); err == nil {
		t.Fatalf("空 name 应报错")
	}
	if _, err := NewRegistry(nil); err == nil {
		t.Fatalf("nil strategy 应报错")
	}
}

func TestEmptyRegistryGet(t *testing.T) {
	var reg Registry
	if _, ok := reg.Get("abcpage"); ok {
		t.Fatalf("零值 Registry 不应命中任何 name")
	}
}
