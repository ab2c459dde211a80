package provider

import (
	"fmt"
	"strings"
)

// Registry 是 strategy 的只读注册表（按 name 索引）。
// 用 map 做 O(1) 查找；strategy 数量极小，保持简单即可。
type Registry struct {
	byName map[string]Strategy
}

func NewRegistry(strategies ...Strategy) (Registry, error) {
	byName := make(map[string]Strategy, len(strategies))
	for _, s := range strategies {
		if s == nil {
			return Registry{}, fmt.Errorf("strategy 不能为空")
		}
		name := strings.ToLower(strings.TrimSpace(s.Name()))
		if name == "" {
			return Registry{}, fmt.Errorf("strategy.Name 不能为空")
		}
		if _, ok := byName[name]; ok {
			return Registry{}, fmt.Errorf("重复的 strategy：%q", name)
		}
		byName[name] = s
	}
	return Registry{byName: byName}, nil
}

func (r Registry) Get(name string) (Strategy, bool) {
	if r.byName == nil {
		return nil, false
	}
	name = strings.ToLower(strings.TrimSpace(name))
	s, ok := r.byName[name]
	return s, ok
}
