package domain

import (
	"regexp"
	"strings"
)

// Key 是商品的唯一主键（NC 代码，规范化后形如 14-021）。
//
// 约束：主键一旦写入数据集就不可变；要么得到唯一 Key，要么失败。
type Key string

var keyRE = regexp.MustCompile(`^[0-9A-Za-z]{2,6}-?[0-9A-Za-z]{1,6}$`)

// ParseKey 校验并解析 Key 字符串。
// 接受站点原始形态（如 "14021"）与规范化形态（如 "14-021"）；不接受空白或其他分隔符。
func ParseKey(s string) (Key, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !keyRE.MatchString(s) {
		return "", false
	}
	return Key(s), true
}

// NormalizeNCCode 把站点详情页上的裸 NC 代码（"14021"）规范化为 "14-021"。
// 已包含 '-' 的输入原样返回；长度不足时不做切分。
func NormalizeNCCode(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "-") || len(s) <= 2 {
		return s
	}
	return s[:2] + "-" + s[2:]
}
