package domain

import "fmt"

// CanonicalDataset 是以 Key 为主键的权威数据集。
//
// 约束：
// - Key 唯一；一次 run 内不允许静默丢条目
// - 保留插入顺序（与种子目录一致），便于稳定输出
// - 只有 merge 引擎写入记录；batch 各任务只产出 outcome
type CanonicalDataset struct {
	keys  []Key
	byKey map[Key]ProductRecord
}

func NewDataset() *CanonicalDataset {
	return &CanonicalDataset{byKey: make(map[Key]ProductRecord)}
}

// Add 追加一条新记录；Key 已存在时报错（种子目录的重复键是数据问题，不允许覆盖）。
func (d *CanonicalDataset) Add(rec ProductRecord) error {
	if rec.Key == "" {
		return fmt.Errorf("dataset: key 不能为空")
	}
	if _, ok := d.byKey[rec.Key]; ok {
		return fmt.Errorf("dataset: 重复的 key：%q", rec.Key)
	}
	d.keys = append(d.keys, rec.Key)
	d.byKey[rec.Key] = rec.Clone()
	return nil
}

// Get 按 Key 读取记录（拷贝）。
func (d *CanonicalDataset) Get(key Key) (ProductRecord, bool) {
	rec, ok := d.byKey[key]
	if !ok {
		return ProductRecord{}, false
	}
	return rec.Clone(), true
}

// Replace 覆盖已存在的记录；Key 不存在时报错（本引擎从不引入新 Key）。
// 仅供 merge 引擎使用。
func (d *CanonicalDataset) Replace(rec ProductRecord) error {
	if _, ok := d.byKey[rec.Key]; !ok {
		return fmt.Errorf("dataset: key 不存在：%q", rec.Key)
	}
	d.byKey[rec.Key] = rec.Clone()
	return nil
}

func (d *CanonicalDataset) Len() int { return len(d.keys) }

// Keys 返回插入顺序的 Key 列表（拷贝）。
func (d *CanonicalDataset) Keys() []Key {
	return append([]Key(nil), d.keys...)
}

// Records 返回插入顺序的全部记录（拷贝）。
func (d *CanonicalDataset) Records() []ProductRecord {
	out := make([]ProductRecord, 0, len(d.keys))
	for _, k := range d.keys {
		out = append(out, d.byKey[k].Clone())
	}
	return out
}

// Pending 返回需要进入解析链的 Key（插入顺序）。
func (d *CanonicalDataset) Pending() []Key {
	out := make([]Key, 0, len(d.keys))
	for _, k := range d.keys {
		if d.byKey[k].NeedsResolution() {
			out = append(out, k)
		}
	}
	return out
}

// Clone 返回数据集的深拷贝；merge 引擎以此实现“旧状态 + outcomes => 新状态”的纯函数语义。
func (d *CanonicalDataset) Clone() *CanonicalDataset {
	out := &CanonicalDataset{
		keys:  append([]Key(nil), d.keys...),
		byKey: make(map[Key]ProductRecord, len(d.byKey)),
	}
	for k, rec := range d.byKey {
		out.byKey[k] = rec.Clone()
	}
	return out
}

// Equal 判断两个数据集内容完全一致（顺序 + 记录字段 + attrs）。
func (d *CanonicalDataset) Equal(o *CanonicalDataset) bool {
	if d.Len() != o.Len() {
		return false
	}
	for i, k := range d.keys {
		if o.keys[i] != k {
			return false
		}
		a, b := d.byKey[k], o.byKey[k]
		if a.Key != b.Key || a.DetailURL != b.DetailURL ||
			a.ImageRef != b.ImageRef || a.Resolution != b.Resolution ||
			!a.LastUpdated.Equal(b.LastUpdated) {
			return false
		}
		if len(a.Attrs) != len(b.Attrs) {
			return false
		}
		for name, v := range a.Attrs {
			if bv, ok := b.Attrs[name]; !ok || bv != v {
				return false
			}
		}
	}
	return true
}
